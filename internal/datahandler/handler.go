// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package datahandler implements the Data Handler, the bulk-stream
// counterpart to msghandler: one awaited inbound stream per peer,
// written straight to disk.
package datahandler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/paladin/toolkit/pkg/log"

	"github.com/thenucleus/nuclei-net/internal/msgs"
	"github.com/thenucleus/nuclei-net/internal/waiter"
	"github.com/thenucleus/nuclei-net/pkg/transport"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

// FileInfo describes a completed inbound transfer.
type FileInfo struct {
	Path string
	Size int64
}

// Outcome is what a data waiter resolves with: either a FileInfo or an
// Err describing a write failure - both delivered through Fulfill,
// since a write failure is a normal (if negative) completion rather
// than a cancellation.
type Outcome struct {
	Info FileInfo
	Err  error
}

// Handler is the Data Handler. The zero value is not usable - construct
// with New.
type Handler struct {
	mu      sync.Mutex
	waiters map[wire.EndpointId]*waiter.Waiter[Outcome]
	targets map[wire.EndpointId]string
}

func New() *Handler {
	return &Handler{
		waiters: make(map[wire.EndpointId]*waiter.Waiter[Outcome]),
		targets: make(map[wire.EndpointId]string),
	}
}

// ForwardData registers the one-shot waiter for the next inbound stream
// from the given peer. Only one may be outstanding per peer at a time.
func (h *Handler) ForwardData(ctx context.Context, from wire.EndpointId, targetPath string, timeout time.Duration) (*waiter.Waiter[Outcome], error) {
	h.mu.Lock()
	if _, exists := h.waiters[from]; exists {
		h.mu.Unlock()
		return nil, i18n.NewError(ctx, msgs.MsgDuplicateRegistration, from)
	}
	w := waiter.New[Outcome]()
	h.waiters[from] = w
	h.targets[from] = targetPath
	h.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		h.mu.Lock()
		if h.waiters[from] == w {
			delete(h.waiters, from)
			delete(h.targets, from)
		}
		h.mu.Unlock()
		w.Timeout(i18n.NewError(ctx, msgs.MsgTimeout, from))
	})
	go func() {
		<-ctx.Done()
		timer.Stop()
	}()

	return w, nil
}

// ProcessData resolves the waiter registered for stream.Header.Sender,
// writing the stream body to its registered path. A second stream
// arriving for a peer with no outstanding waiter (either none was ever
// registered, or the first has already completed) is dropped silently -
// the sender is expected to retry via DataDownloadRequest.
func (h *Handler) ProcessData(ctx context.Context, stream transport.IncomingStream) {
	from := stream.Header.Sender

	h.mu.Lock()
	w, ok := h.waiters[from]
	var target string
	if ok {
		target = h.targets[from]
		delete(h.waiters, from)
		delete(h.targets, from)
	}
	h.mu.Unlock()

	if !ok {
		log.L(ctx).Debugf("no forward_data waiter for inbound stream from '%s', dropping", from)
		return
	}

	info, err := writeStream(target, stream.Body)
	if err != nil {
		w.Fulfill(Outcome{Err: i18n.WrapError(ctx, err, msgs.MsgDataWriteFailed, from, target)})
		return
	}
	w.Fulfill(Outcome{Info: info})
}

func writeStream(path string, r io.Reader) (FileInfo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return FileInfo{}, err
	}
	f, err := os.Create(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Path: path, Size: n}, nil
}
