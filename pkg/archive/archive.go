// Package archive is the durable recording store co-launched with the
// consensus engine. Recordings capture everything offered on a substrate
// channel into a bolt database and can be replayed onto another channel
// later, which is how service snapshots are persisted and restored.
package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/boltdb/bolt"

	"github.com/clusterlab/harness/pkg/idle"
	"github.com/clusterlab/harness/pkg/internal/logutil"
	obsmetrics "github.com/clusterlab/harness/pkg/observability/metrics"
	"github.com/clusterlab/harness/pkg/transport"
)

// ThreadingMode selects how recordings are polled.
type ThreadingMode string

const (
	// ThreadingModeShared polls every active recording from one goroutine.
	ThreadingModeShared ThreadingMode = "shared"
	// ThreadingModeDedicated gives each recording its own goroutine.
	ThreadingModeDedicated ThreadingMode = "dedicated"
)

// ErrUnknownRecording reports a recording id with no stored data.
var ErrUnknownRecording = errors.New("archive: unknown recording")

var (
	bucketRecordings = []byte("recordings")
	bucketSegments   = []byte("segments")
)

// Context configures the archive.
type Context struct {
	Dir           string
	DeleteOnStart bool
	ThreadingMode ThreadingMode
	// Conn is the substrate connection recordings subscribe through.
	// Required; the archive does not own it.
	Conn         transport.Conn
	ErrorHandler func(error)
	Logger       *log.Logger
}

type recordingMeta struct {
	Channel  string `json:"channel"`
	StreamID int32  `json:"streamId"`
	Segments uint64 `json:"segments"`
}

type recording struct {
	id   int64
	sub  transport.Subscription
	stop chan struct{}
	done chan struct{}
}

// Archive is a live archive instance.
type Archive struct {
	ctx Context
	db  *bolt.DB

	mu         sync.Mutex
	recordings map[int64]*recording
	closed     bool

	sharedStop chan struct{}
	sharedDone chan struct{}
}

// Launch prepares the archive directory, opens the store and starts the
// recorder according to the threading mode.
func Launch(ctx Context) (*Archive, error) {
	if ctx.Conn == nil {
		return nil, errors.New("archive: nil Conn")
	}
	if ctx.Dir == "" {
		return nil, errors.New("archive: dir not set")
	}
	if ctx.Logger == nil {
		ctx.Logger = log.Default()
	}
	if ctx.ThreadingMode == "" {
		ctx.ThreadingMode = ThreadingModeShared
	}
	if ctx.ErrorHandler == nil {
		logger := ctx.Logger
		ctx.ErrorHandler = func(err error) { logutil.Errorf(logger, "archive: %v", err) }
	}
	if ctx.DeleteOnStart {
		if err := os.RemoveAll(ctx.Dir); err != nil {
			return nil, fmt.Errorf("archive: clean dir: %w", err)
		}
	}
	if err := os.MkdirAll(ctx.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(ctx.Dir, "archive.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecordings); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSegments)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: init store: %w", err)
	}
	a := &Archive{ctx: ctx, db: db, recordings: make(map[int64]*recording)}
	if ctx.ThreadingMode == ThreadingModeShared {
		a.sharedStop = make(chan struct{})
		a.sharedDone = make(chan struct{})
		go a.sharedRecorderLoop()
	}
	return a, nil
}

// StartRecording subscribes to channel and records every message until
// StopRecording or Close. It returns the recording id.
func (a *Archive) StartRecording(channel transport.ChannelURI, streamID int32) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, errors.New("archive: closed")
	}
	var id int64
	meta := recordingMeta{Channel: channel.String(), StreamID: streamID}
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecordings)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		blob, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put(recordingKey(id), blob)
	})
	if err != nil {
		return 0, fmt.Errorf("archive: start recording: %w", err)
	}
	sub, err := a.ctx.Conn.AddSubscription(channel, streamID)
	if err != nil {
		return 0, fmt.Errorf("archive: recording subscription: %w", err)
	}
	rec := &recording{id: id, sub: sub, stop: make(chan struct{}), done: make(chan struct{})}
	a.recordings[id] = rec
	if a.ctx.ThreadingMode == ThreadingModeDedicated {
		go a.dedicatedRecorderLoop(rec)
	} else {
		close(rec.done) // shared loop owns polling
	}
	obsmetrics.ArchiveRecordings.Inc()
	return id, nil
}

// StopRecording ends a recording. Unknown ids are a no-op.
func (a *Archive) StopRecording(id int64) {
	a.mu.Lock()
	rec, ok := a.recordings[id]
	if ok {
		delete(a.recordings, id)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	close(rec.stop)
	_ = rec.sub.Close()
	<-rec.done
}

func (a *Archive) sharedRecorderLoop() {
	defer close(a.sharedDone)
	strategy := idle.NewSleeping(0)
	for {
		select {
		case <-a.sharedStop:
			return
		default:
		}
		a.mu.Lock()
		active := make([]*recording, 0, len(a.recordings))
		for _, rec := range a.recordings {
			active = append(active, rec)
		}
		a.mu.Unlock()
		work := 0
		for _, rec := range active {
			work += a.drain(rec)
		}
		strategy.Idle(work)
	}
}

func (a *Archive) dedicatedRecorderLoop(rec *recording) {
	defer close(rec.done)
	strategy := idle.NewSleeping(0)
	for {
		select {
		case <-rec.stop:
			return
		default:
		}
		strategy.Idle(a.drain(rec))
	}
}

func (a *Archive) drain(rec *recording) int {
	n, err := rec.sub.Poll(func(payload []byte) {
		if err := a.appendSegment(rec.id, payload); err != nil {
			a.ctx.ErrorHandler(err)
		}
	}, 10)
	if err != nil {
		a.ctx.ErrorHandler(err)
	}
	return n
}

func (a *Archive) appendSegment(id int64, payload []byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRecordings)
		blob := rb.Get(recordingKey(id))
		if blob == nil {
			return fmt.Errorf("%w: %d", ErrUnknownRecording, id)
		}
		var meta recordingMeta
		if err := json.Unmarshal(blob, &meta); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSegments).Put(segmentKey(id, meta.Segments), payload); err != nil {
			return err
		}
		meta.Segments++
		updated, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		obsmetrics.ArchiveBytes.Add(float64(len(payload)))
		return rb.Put(recordingKey(id), updated)
	})
}

// Replay offers every recorded segment of id onto channel, in order, then
// returns. The receiving side must already be listening.
func (a *Archive) Replay(id int64, channel transport.ChannelURI, streamID int32) error {
	segments, err := a.Segments(id)
	if err != nil {
		return err
	}
	pub, err := a.ctx.Conn.AddExclusivePublication(channel, streamID)
	if err != nil {
		return fmt.Errorf("archive: replay publication: %w", err)
	}
	defer pub.Close()
	strategy := idle.NewBackoff(0, 0, 0)
	for _, segment := range segments {
		for attempt := 0; ; attempt++ {
			err := pub.Offer(segment)
			if err == nil {
				break
			}
			if attempt >= 40 {
				return fmt.Errorf("archive: replay recording %d: %w", id, err)
			}
			strategy.Idle(0)
		}
	}
	return nil
}

// Segments returns the recorded payloads of id in append order.
func (a *Archive) Segments(id int64) ([][]byte, error) {
	var out [][]byte
	err := a.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRecordings).Get(recordingKey(id)) == nil {
			return fmt.Errorf("%w: %d", ErrUnknownRecording, id)
		}
		c := tx.Bucket(bucketSegments).Cursor()
		prefix := recordingKey(id)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			segment := make([]byte, len(v))
			copy(segment, v)
			out = append(out, segment)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close stops all recordings and the store. Safe to call more than once.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	active := make([]*recording, 0, len(a.recordings))
	for _, rec := range a.recordings {
		active = append(active, rec)
	}
	a.recordings = make(map[int64]*recording)
	a.mu.Unlock()

	for _, rec := range active {
		close(rec.stop)
		_ = rec.sub.Close()
		<-rec.done
	}
	if a.sharedStop != nil {
		close(a.sharedStop)
		<-a.sharedDone
	}
	return a.db.Close()
}

// DeleteDirectory removes the archive directory; missing directories are a
// no-op.
func (a *Archive) DeleteDirectory() error {
	if a == nil || a.ctx.Dir == "" {
		return nil
	}
	return os.RemoveAll(a.ctx.Dir)
}

func recordingKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func segmentKey(id int64, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key, uint64(id))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}
