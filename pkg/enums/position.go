package enums

// PositionStatus tracks a liquidity position from mint submission to a known on-chain id.
type PositionStatus string

const (
	PositionStatusPendingMint PositionStatus = "pending_mint"
	PositionStatusActive      PositionStatus = "active"
	PositionStatusFailed      PositionStatus = "failed"
)

// AlertStatus tracks a low-balance alert raised for an owner.
type AlertStatus string

const (
	AlertStatusPending AlertStatus = "pending"
	AlertStatusCleared AlertStatus = "cleared"
)
