package model

import "encoding/json"

// Report is the body a worker posts to the listener. Every field is
// optional; the listener copes with any subset.
type Report struct {
	Host        *Host           `json:"miner_host,omitempty"`
	MinerStatus json.RawMessage `json:"miner_status,omitempty"`
	MinerAPI    *APIEndpoint    `json:"miner_api,omitempty"`
	Error       any             `json:"error,omitempty"`
}

// Host describes the machine the miner runs on.
type Host struct {
	Name            string   `json:"name"`
	Platform        string   `json:"platform"`
	PlatformVersion string   `json:"platform_version"`
	CPU             []string `json:"cpu"`
	Cores           int      `json:"cores"`
	MemTotal        uint64   `json:"mem_total"`
	SwapTotal       uint64   `json:"swap_total"`
	Arch            string   `json:"arch"`
	Virtualization  string   `json:"virtualization"`
	BootTime        uint64   `json:"boot_time"`
}

// APIEndpoint is an HTTP API reachable with an optional bearer token.
type APIEndpoint struct {
	URL         string `json:"url"`
	AccessToken string `json:"access_token,omitempty"`
}

type GoError struct {
	Message string `json:"message,omitempty"`
	Context any    `json:"context,omitempty"`
}

type HTTPError struct {
	Code        int    `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"response_body,omitempty"`
	Context     any    `json:"context,omitempty"`
}
