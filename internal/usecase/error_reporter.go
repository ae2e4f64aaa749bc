package usecase

import (
	"errors"
	"sync"

	"github.com/vitos/copytrade/internal/domain"
	"go.uber.org/zap"
)

// ErrorReporter logs permission failures in full once per broker credential
// class and as a one-line reference afterwards, so many followers sharing the
// same misconfigured key scope do not flood the log.
type ErrorReporter struct {
	logger *zap.Logger

	mu    sync.Mutex
	first map[string]string // credential class -> first account key seen
}

func NewErrorReporter(logger *zap.Logger) *ErrorReporter {
	return &ErrorReporter{logger: logger, first: make(map[string]string)}
}

// ReportPermission returns true when this was the detailed first report.
func (r *ErrorReporter) ReportPermission(account domain.Account, err error) bool {
	class := account.CredentialClass()

	r.mu.Lock()
	firstKey, seen := r.first[class]
	if !seen {
		r.first[class] = account.Key()
	}
	r.mu.Unlock()

	if seen {
		r.logger.Warn("Permission error, trading paused (see earlier report)",
			zap.String("account", account.Key()),
			zap.String("class", class),
			zap.String("first_account", firstKey))
		return false
	}

	fields := []zap.Field{
		zap.String("account", account.Key()),
		zap.String("broker", account.Broker),
		zap.String("class", class),
		zap.Error(err),
	}
	var perr *domain.PermissionError
	if errors.As(err, &perr) {
		fields = append(fields, zap.String("scope", perr.Scope), zap.String("exchange_message", perr.Message))
	}
	fields = append(fields, zap.String("hint", permissionHint(account.Broker)))
	r.logger.Error("API key is missing a required permission, account trading paused", fields...)
	return true
}

func permissionHint(broker string) string {
	switch broker {
	case "kraken":
		return "enable Query Funds, Query Open Orders & Trades and Create & Modify Orders on the API key"
	case "coinbase":
		return "the CDP key needs the view and trade permissions on the portfolio"
	case "bybit":
		return "enable Spot Trade and Wallet read permissions, and check the key's IP whitelist"
	}
	return "check the API key permissions for this broker"
}
