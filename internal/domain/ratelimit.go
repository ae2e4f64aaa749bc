package domain

type EndpointCategory string

const (
	CategoryEntry      EndpointCategory = "ENTRY"
	CategoryExit       EndpointCategory = "EXIT"
	CategoryMonitoring EndpointCategory = "MONITORING"
	CategoryQuery      EndpointCategory = "QUERY"
)

// RateLimitKey scopes a minimum call interval to one account and endpoint category.
type RateLimitKey struct {
	AccountKey string
	Category   EndpointCategory
}

func (k RateLimitKey) String() string {
	return k.AccountKey + "|" + string(k.Category)
}

// CategoryForSide maps an order side onto its rate-limit bucket.
func CategoryForSide(side Side) EndpointCategory {
	if side == SideSell {
		return CategoryExit
	}
	return CategoryEntry
}
