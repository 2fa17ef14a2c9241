package taskname

const (
	// Commission tasks
	CommissionHoldTick = "commission:hold:tick"

	// Payout tasks
	PayoutBatchRun      = "payout:batch:run"
	PayoutDispatch      = "payout:dispatch"
	PayoutReconcilePoll = "payout:reconcile:poll"

	// Click tasks
	ClickPurgeExpired = "click:purge:expired"
)
