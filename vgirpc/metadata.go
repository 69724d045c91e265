// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import "strings"

// Well-known metadata keys used in the vgi_rpc wire protocol.
// These appear as custom_metadata on Arrow IPC RecordBatch messages.
const (
	MetaMethod         = "vgi_rpc.method"
	MetaRequestVersion = "vgi_rpc.request_version"
	MetaRequestID      = "vgi_rpc.request_id"
	MetaLogLevel       = "vgi_rpc.log_level"
	MetaLogMessage     = "vgi_rpc.log_message"
	MetaLogExtra       = "vgi_rpc.log_extra"
	MetaServerID       = "vgi_rpc.server_id"

	ProtocolVersion = "1"
)

// reservedPrefix marks keys owned by the protocol. Caller metadata using
// this prefix is dropped when a request is written.
const reservedPrefix = "vgi_rpc."

func isReservedKey(key string) bool {
	return strings.HasPrefix(key, reservedPrefix)
}
