package domain

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleMaster Role = "MASTER"
	RoleUser   Role = "USER"
)

// Account identifies exactly one credential set on one broker.
type Account struct {
	Role    Role   `json:"role" yaml:"role"`
	Broker  string `json:"broker" yaml:"broker"`
	UserID  string `json:"user_id,omitempty" yaml:"user_id"`
	Tier    string `json:"tier,omitempty" yaml:"tier"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Key is the account_key used for nonce streams, rate-limit keys and ledger partitions.
func (a Account) Key() string {
	broker := strings.ToLower(a.Broker)
	if a.Role == RoleMaster {
		return broker + ":master"
	}
	return fmt.Sprintf("%s:user:%s", broker, a.UserID)
}

func (a Account) IsMaster() bool { return a.Role == RoleMaster }

// CredentialClass groups accounts that share a misconfiguration profile, e.g. every follower on kraken.
func (a Account) CredentialClass() string {
	return strings.ToLower(a.Broker) + "/" + strings.ToLower(string(a.Role))
}
