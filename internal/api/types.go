package api

import (
	"github.com/samcharles93/plugkit/internal/plugin"
)

type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Plugins int    `json:"plugins"`
	Uptime  string `json:"uptime"`
}

type PluginObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	plugin.Info
}

func newPluginObject(e *plugin.Entry) PluginObject {
	return PluginObject{
		ID:      e.ID,
		Object:  "plugin",
		Created: e.Created.Unix(),
		Info:    e.Plugin.Info(),
	}
}

type PluginList struct {
	Object string         `json:"object"`
	Data   []PluginObject `json:"data"`
}

type CandidateList struct {
	Object string             `json:"object"`
	Plugin string             `json:"plugin"`
	Data   []plugin.Candidate `json:"data"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
