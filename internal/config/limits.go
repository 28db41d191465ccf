package config

const (
	// MaxCandidatesPerTurn caps how many alternative candidates a turn may hold.
	// Regenerating, editing or navigating past this cap is refused client-side.
	MaxCandidatesPerTurn = 10

	// DefaultTurnPageLimit is how many turns a session loads on every reload.
	DefaultTurnPageLimit = 50

	// MaxTurnPageLimit is the largest page the turn list endpoint accepts.
	MaxTurnPageLimit = 100

	// MaxMessageLength bounds user message and edit content (in runes).
	MaxMessageLength = 8000
)
