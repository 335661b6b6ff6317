package torrent

import (
	"bytes"
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	pp "github.com/mellum/btengine/peer_protocol"
)

// writeBufferHighWaterLen caps how much unsent data a peer is allowed to accumulate before the
// writer considers it backed up (callers use this to stop issuing new work toward that peer).
const writeBufferHighWaterLen = 1 << 17

// msgWriterBuffer tracks how many of its buffered bytes are PIECE payload, for upload-rate
// accounting that should not be skewed by protocol chatter.
type msgWriterBuffer struct {
	pieceDataBytes int
	bytes.Buffer
}

// peerConnMsgWriter is the sole writer goroutine for one peer connection (spec.md §4.2): it owns
// the socket's write side, coalesces buffered writes within a short window, and injects a
// keepalive when nothing else needed sending. Grounded on the teacher's double-buffered
// write-coalescing design (peer-conn-msg-writer.go).
type peerConnMsgWriter struct {
	fillWriteBuffer func()
	closed          *chansync.SetOnce
	logger          log.Logger
	w               io.Writer
	keepAlive       func() bool

	mu        sync.Mutex
	writeCond chansync.BroadcastCond
	// writeBuffer is swapped with a front buffer each flush, so fillWriteBuffer (which may be
	// called from other peer goroutines via the torrent's write queue) never blocks on I/O.
	writeBuffer *msgWriterBuffer

	totalBytesWritten     int64
	totalDataBytesWritten int64

	lastBufferFill time.Time
	minFillGap     time.Duration
}

func newPeerConnMsgWriter(w io.Writer, closed *chansync.SetOnce, logger log.Logger, keepAlive func() bool, fillWriteBuffer func()) *peerConnMsgWriter {
	return &peerConnMsgWriter{
		fillWriteBuffer: fillWriteBuffer,
		closed:          closed,
		logger:          logger,
		w:               w,
		keepAlive:       keepAlive,
		writeBuffer:     new(msgWriterBuffer),
		minFillGap:      10 * time.Millisecond,
	}
}

// run is the writer goroutine body; it returns once closed fires or a write fails.
func (w *peerConnMsgWriter) run(keepAliveInterval time.Duration) {
	lastWrite := time.Now()
	keepAliveTimer := time.NewTimer(keepAliveInterval)
	defer keepAliveTimer.Stop()
	frontBuf := new(msgWriterBuffer)
	for {
		if w.closed.IsSet() {
			return
		}

		w.mu.Lock()
		bufferHasSpace := w.writeBuffer.Len() < writeBufferHighWaterLen
		shouldCoalesce := w.minFillGap > 0 && time.Since(w.lastBufferFill) < w.minFillGap
		w.mu.Unlock()

		if bufferHasSpace && !shouldCoalesce {
			w.fillWriteBuffer()
			w.mu.Lock()
			w.lastBufferFill = time.Now()
			w.mu.Unlock()
		}

		w.mu.Lock()
		bufferEmpty := w.writeBuffer.Len() == 0
		var needKeepAlive bool
		if bufferEmpty && time.Since(lastWrite) >= keepAliveInterval {
			needKeepAlive = w.keepAlive()
		}
		if bufferEmpty && needKeepAlive {
			w.writeBuffer.Write(pp.Marshal(pp.Message{Keepalive: true}))
			bufferEmpty = false
		}
		if bufferEmpty {
			signaled := w.writeCond.Signaled()
			w.mu.Unlock()
			select {
			case <-w.closed.Done():
			case <-signaled:
			case <-keepAliveTimer.C:
			}
			continue
		}
		frontBuf, w.writeBuffer = w.writeBuffer, frontBuf
		w.mu.Unlock()

		buf := frontBuf.Bytes()
		var err error
		for len(buf) > 0 {
			n, writeErr := w.w.Write(buf)
			if n > 0 {
				buf = buf[n:]
				frontBuf.Next(n)
			}
			if writeErr != nil {
				err = writeErr
				break
			}
			if n == 0 {
				err = io.ErrShortWrite
				break
			}
		}
		if err != nil {
			w.logger.WithDefaultLevel(log.Debug).Printf("peer write error: %v", err)
			return
		}

		w.mu.Lock()
		w.totalBytesWritten += int64(frontBuf.Len()) + int64(len(buf))
		w.totalDataBytesWritten += int64(frontBuf.pieceDataBytes)
		w.mu.Unlock()
		frontBuf.pieceDataBytes = 0
		lastWrite = time.Now()
		keepAliveTimer.Reset(keepAliveInterval)
	}
}

// write enqueues msg and reports whether the buffer still has room for more (a false return is a
// backpressure signal: the caller should stop issuing new requests toward this peer for now).
func (w *peerConnMsgWriter) write(msg pp.Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	encoded := pp.Marshal(msg)
	w.writeBuffer.Write(encoded)
	if msg.Type == pp.Piece {
		w.writeBuffer.pieceDataBytes += len(msg.Piece)
	}
	w.writeCond.Broadcast()
	return w.writeBuffer.Len() < writeBufferHighWaterLen
}
