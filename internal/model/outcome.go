package model

// DeliveryOutcome is the result of one delivery attempt.
type DeliveryOutcome int

const (
	Delivered   DeliveryOutcome = iota // 2xx from the ingestion endpoint
	Rejected                           // endpoint answered with a non-2xx status
	Unreachable                        // transport failure, timeout or open breaker
)

func (o DeliveryOutcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// MustBuffer reports whether the reading has to be kept for a later replay.
func (o DeliveryOutcome) MustBuffer() bool {
	return o != Delivered
}
