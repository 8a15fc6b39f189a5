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

// Package sending implements the Sending Endpoint and Restoring
// Channel: a per-peer pool of outbound channels that survive transport
// faults by re-dialing before the next send attempt. The retry shape is
// lifted directly from transportmgr.peer.send's sendShortRetry.Do loop;
// here it also owns re-creating the underlying transport channel on
// fault, which that loop didn't need to do on its own.
package sending

import (
	"context"
	"io"
	"sync"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/hyperledger/firefly-common/pkg/retry"
	"github.com/kaleido-io/paladin/toolkit/pkg/log"

	"github.com/thenucleus/nuclei-net/internal/msgs"
	"github.com/thenucleus/nuclei-net/pkg/transport"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

// dialer is the subset of transport.ChannelTemplate a RestoringChannel
// needs in order to (re-)open its underlying channel.
type messageDialer interface {
	DialMessageChannel(ctx context.Context, peer wire.ProtocolInformation) (transport.MessageChannel, error)
}

type dataDialer interface {
	DialDataChannel(ctx context.Context, peer wire.ProtocolInformation) (transport.DataChannel, error)
}

// RestoringMessageChannel wraps one transport.MessageChannel to one
// remote address. Faults are survivable: whenever the current channel
// is non-open (or a prior send marked it faulted), it is abandoned and
// a fresh one dialed under a creation lock before the next attempt.
type RestoringMessageChannel struct {
	peer   wire.EndpointId
	target wire.ProtocolInformation
	dialer messageDialer
	retry  *retry.Retry

	createMu sync.Mutex
	current  transport.MessageChannel
}

func NewRestoringMessageChannel(peer wire.EndpointId, target wire.ProtocolInformation, dialer messageDialer, r *retry.Retry) *RestoringMessageChannel {
	return &RestoringMessageChannel{peer: peer, target: target, dialer: dialer, retry: r}
}

func (c *RestoringMessageChannel) ensureOpen(ctx context.Context) (transport.MessageChannel, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()
	if c.current != nil && c.current.IsOpen() {
		return c.current, nil
	}
	if c.current != nil {
		_ = c.current.Close()
	}
	ch, err := c.dialer.DialMessageChannel(ctx, c.target)
	if err != nil {
		return nil, err
	}
	c.current = ch
	return ch, nil
}

// Send attempts delivery up to retries total attempts - retries is a
// total-attempt count, not "1 try + retries". Each failed attempt
// re-establishes the channel before trying again.
func (c *RestoringMessageChannel) Send(ctx context.Context, payload []byte, retries int) error {
	if retries <= 0 {
		return nil
	}
	attempts := 0
	var lastErr error
	_ = c.retry.Do(ctx, func(attempt int) (bool, error) {
		attempts++
		ch, err := c.ensureOpen(ctx)
		if err != nil {
			lastErr = err
			return attempts < retries, err
		}
		if err := ch.Send(ctx, payload); err != nil {
			lastErr = err
			log.L(ctx).Warnf("send to endpoint '%s' attempt %d/%d failed: %s", c.peer, attempts, retries, err)
			return attempts < retries, err
		}
		if !ch.IsOpen() {
			lastErr = transport.ErrChannelFaulted
			return attempts < retries, lastErr
		}
		lastErr = nil
		return false, nil
	})
	if lastErr == nil {
		return nil
	}
	return i18n.WrapError(ctx, lastErr, msgs.MsgSendFailed, c.peer, attempts)
}

func (c *RestoringMessageChannel) Close() error {
	c.createMu.Lock()
	defer c.createMu.Unlock()
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}

// RestoringDataChannel is the bulk-stream counterpart. Because a
// partially-sent stream cannot simply be retried, a failed attempt
// rewinds the source to its position at the start of the send (if the
// source is an io.Seeker) before re-dialing; a non-seekable source
// that faults mid-send aborts the remaining retries immediately.
type RestoringDataChannel struct {
	peer   wire.EndpointId
	target wire.ProtocolInformation
	dialer dataDialer
	retry  *retry.Retry

	createMu sync.Mutex
	current  transport.DataChannel
}

func NewRestoringDataChannel(peer wire.EndpointId, target wire.ProtocolInformation, dialer dataDialer, r *retry.Retry) *RestoringDataChannel {
	return &RestoringDataChannel{peer: peer, target: target, dialer: dialer, retry: r}
}

func (c *RestoringDataChannel) ensureOpen(ctx context.Context) (transport.DataChannel, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()
	if c.current != nil && c.current.IsOpen() {
		return c.current, nil
	}
	if c.current != nil {
		_ = c.current.Close()
	}
	ch, err := c.dialer.DialDataChannel(ctx, c.target)
	if err != nil {
		return nil, err
	}
	c.current = ch
	return ch, nil
}

// SendStream delivers r up to retries total attempts.
func (c *RestoringDataChannel) SendStream(ctx context.Context, r io.Reader, retries int) error {
	if retries <= 0 {
		return nil
	}
	seeker, seekable := r.(io.Seeker)
	var startPos int64
	if seekable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err == nil {
			startPos = pos
		} else {
			seekable = false
		}
	}

	attempts := 0
	var lastErr error
	var abort error
	_ = c.retry.Do(ctx, func(attempt int) (bool, error) {
		attempts++
		ch, err := c.ensureOpen(ctx)
		if err != nil {
			lastErr = err
			return attempts < retries, err
		}
		if err := ch.SendStream(ctx, r); err != nil {
			lastErr = err
			if !seekable {
				// A non-seekable fault mid-send stops immediately; it does
				// not keep looping to exhaust the retry budget.
				abort = i18n.NewError(ctx, msgs.MsgNonSeekableStreamFault, c.peer)
				return false, err
			}
			if _, seekErr := seeker.Seek(startPos, io.SeekStart); seekErr != nil {
				abort = seekErr
				return false, seekErr
			}
			return attempts < retries, err
		}
		if !ch.IsOpen() {
			lastErr = transport.ErrChannelFaulted
			return attempts < retries, lastErr
		}
		lastErr = nil
		return false, nil
	})
	if lastErr == nil {
		return nil
	}
	if abort != nil {
		return i18n.WrapError(ctx, abort, msgs.MsgSendFailed, c.peer, attempts)
	}
	return i18n.WrapError(ctx, lastErr, msgs.MsgSendFailed, c.peer, attempts)
}

func (c *RestoringDataChannel) Close() error {
	c.createMu.Lock()
	defer c.createMu.Unlock()
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}
