package market

import "time"

// CategoryStatus is the observable state of one category connection.
type CategoryStatus struct {
	Category      Category           `json:"category"`
	URL           string             `json:"url"`
	State         State              `json:"state"`
	Connected     bool               `json:"connected"`
	Since         time.Time          `json:"since,omitempty"`
	Uptime        string             `json:"uptime,omitempty"`
	Reconnects    int                `json:"reconnects"`
	Handlers      int                `json:"handlers"`
	Pending       int                `json:"pending_controls"`
	LastError     string             `json:"last_error,omitempty"`
	Subscriptions []SubscriptionInfo `json:"subscriptions,omitempty"`
}

// SubscriptionInfo represents a subscribed symbol and its consumer count.
type SubscriptionInfo struct {
	Symbol   string `json:"symbol"`
	RefCount int    `json:"ref_count"`
}
