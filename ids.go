// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

// Package wavectl implements the wave control core of a GPU debugger:
// wave lifecycle, register caching, displaced stepping, memory
// transfer, and event generation for hardware waves that have been
// context-saved by a GPU trap handler.
package wavectl

import "github.com/google/uuid"

// WaveID is an opaque, stable-for-lifetime handle to a wave.
type WaveID uuid.UUID

// DispatchID, QueueID, AgentID and ProcessID are opaque back-reference
// handles owned by collaborators outside this package.
type DispatchID uuid.UUID
type QueueID uuid.UUID
type AgentID uuid.UUID
type ProcessID uuid.UUID

// EventID identifies a WAVE_STOP or WAVE_COMMAND_TERMINATED event
// enqueued on a process's event queue.
type EventID uuid.UUID

// NewWaveID, NewEventID mint new opaque handles. They never collide in
// practice (UUID v4) and are stable for the lifetime of the entity they
// name.
func NewWaveID() WaveID   { return WaveID(uuid.New()) }
func NewEventID() EventID { return EventID(uuid.New()) }

func (id WaveID) String() string  { return uuid.UUID(id).String() }
func (id EventID) String() string { return uuid.UUID(id).String() }
