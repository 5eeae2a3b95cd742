package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidRange     ErrorCode = 100
	ErrCodeInvalidConfig    ErrorCode = 101
	ErrCodeInvalidParameter ErrorCode = 102
	ErrCodeInvalidIntent    ErrorCode = 103
	ErrCodeInvalidSpacing   ErrorCode = 104

	// Capital errors (200-299)
	ErrCodeInsufficientCapital ErrorCode = 200
	ErrCodeOverdraft           ErrorCode = 201

	// Ledger errors (300-399)
	ErrCodeReconciliation    ErrorCode = 300
	ErrCodeInvalidTransition ErrorCode = 301
	ErrCodeUnknownOrder      ErrorCode = 302
	ErrCodeUnknownLevel      ErrorCode = 303

	// Risk errors (400-499)
	ErrCodeRiskHalted    ErrorCode = 400
	ErrCodeOrderLimit    ErrorCode = 401
	ErrCodePositionLimit ErrorCode = 402

	// Engine errors (500-599)
	ErrCodeEngineNotRunning   ErrorCode = 500
	ErrCodeEngineStopped      ErrorCode = 501
	ErrCodeInvariantViolation ErrorCode = 502

	// Exchange errors (600-699)
	ErrCodeExchangeTransient ErrorCode = 600
	ErrCodeExchangePermanent ErrorCode = 601
	ErrCodeOrderNotFound     ErrorCode = 602

	// Persistence errors (700-799)
	ErrCodeStoreInitFailed  ErrorCode = 700
	ErrCodeStoreQueryFailed ErrorCode = 701

	// Dashboard errors (800-899)
	ErrCodeDashboardFailed ErrorCode = 800
)
