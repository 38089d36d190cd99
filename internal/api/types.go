package api

import (
	"time"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/probe"
)

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Session string `json:"session"`
	Error   string `json:"error,omitempty"`
}

type SessionResponse struct {
	Session  string        `json:"session"`
	Config   device.Config `json:"config"`
	Launches int64         `json:"launches"`
	Uptime   string        `json:"uptime"`
	Started  time.Time     `json:"started"`
}

type StepsResponse struct {
	Object string             `json:"object"`
	Data   []probe.StepResult `json:"data"`
	Total  int                `json:"total"`
}
