package domain

// GatewayFeature is a capability a payment gateway may support for subscriptions
type GatewayFeature string

const (
	FeatureSuspension    GatewayFeature = "suspension"
	FeatureReactivation  GatewayFeature = "reactivation"
	FeatureCancellation  GatewayFeature = "cancellation"
	FeatureDateChanges   GatewayFeature = "date_changes"
	FeatureAmountChanges GatewayFeature = "amount_changes"
)

// AllGatewayFeatures lists every feature the engine asks about
var AllGatewayFeatures = []GatewayFeature{
	FeatureSuspension,
	FeatureReactivation,
	FeatureCancellation,
	FeatureDateChanges,
	FeatureAmountChanges,
}

// ChargeResult is the outcome of a renewal charge. A decline is data, not an error.
type ChargeResult struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message,omitempty"`
	DeclineCode   string `json:"decline_code,omitempty"`
	Approved      bool   `json:"approved"`
}
