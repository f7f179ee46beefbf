// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

// StatRequest is sent by operators requesting server stats.
type StatRequest struct {
	Password string `json:"password"`
}

// GenericResponse holds a response's "type", which is included in every response from the stats endpoint.
type GenericResponse struct {
	Type string `json:"type"`
}

// ErrorResponse contains an error to be sent to the requester.
type ErrorResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// StatsResponse contains information about the running state of the relay.
type StatsResponse struct {
	Type  string `json:"type"`
	Stats Stats  `json:"stats"`
}
