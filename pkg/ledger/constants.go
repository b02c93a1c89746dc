package ledger

const (
	operationInitialize  = "initialize_balance"
	operationSpend       = "spend"
	operationEarn        = "earn"
	operationUsageUpdate = "update_monthly_usage"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	descriptionSignupGrant = "signup grant"
)

// Defaults applied when callers or configuration leave values unset.
const (
	DefaultInitialCoins CoinAmount = 10
	DefaultImageCoins   CoinAmount = 1
	DefaultVideoCoins   CoinAmount = 5

	DefaultTransactionLimit = 50
	MaxTransactionLimit     = 200
)
