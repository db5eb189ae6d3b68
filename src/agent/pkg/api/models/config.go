package models

// ConfigResponse represents the running API configuration
type ConfigResponse struct {
	APIHost    string   `json:"api_host"`
	APIPort    int      `json:"api_port"`
	LogLevel   string   `json:"log_level"`
	EnableCORS bool     `json:"enable_cors"`
	Interfaces []string `json:"interfaces"`
}
