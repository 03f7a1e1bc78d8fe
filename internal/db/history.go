package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/uwb-locator/internal/uwb"
	"github.com/banshee-data/uwb-locator/internal/uwb/anchorframe"
	"github.com/banshee-data/uwb-locator/internal/uwb/engine"
)

// PositionRow is one smoothed tag fix.
type PositionRow struct {
	Address   string        `json:"address"`
	FrameID   string        `json:"frame_id"`
	Position  engine.Point  `json:"position"`
	Raw       *engine.Point `json:"raw,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// FrameAnchorRow is a frame member in its discovery order.
type FrameAnchorRow struct {
	Address  string       `json:"address"`
	Position engine.Point `json:"position"`
}

// FrameRow is one recorded frame generation.
type FrameRow struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	Anchors   []FrameAnchorRow `json:"anchors"`
}

// RecordFrame stores f and its members. Recording the same generation twice
// is a no-op.
func (db *DB) RecordFrame(f *anchorframe.Frame) error {
	if f == nil || !f.Initialized {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id := f.ID.String()
	res, err := tx.Exec(
		`INSERT OR IGNORE INTO frames (frame_id, created_at, anchor_count, recorded_at) VALUES (?, ?, ?, ?)`,
		id, f.CreatedAt.UnixMilli(), f.Len(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert frame %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	for i, addr := range f.Anchors() {
		p, _ := f.Position(addr)
		if _, err := tx.Exec(
			`INSERT INTO frame_anchors (frame_id, ordinal, address, x, y, z) VALUES (?, ?, ?, ?, ?, ?)`,
			id, i, addr, p.X, p.Y, p.Z,
		); err != nil {
			return fmt.Errorf("insert frame anchor %s: %w", addr, err)
		}
	}
	return tx.Commit()
}

// RecordPosition appends the smoothed position of d.
func (db *DB) RecordPosition(frameID string, d engine.DeviceState) error {
	var rx, ry, rz sql.NullFloat64
	if d.Raw != nil {
		rx = sql.NullFloat64{Float64: d.Raw.X, Valid: true}
		ry = sql.NullFloat64{Float64: d.Raw.Y, Valid: true}
		rz = sql.NullFloat64{Float64: d.Raw.Z, Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO positions (address, frame_id, x, y, z, raw_x, raw_y, raw_z, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Address, frameID, d.Position.X, d.Position.Y, d.Position.Z, rx, ry, rz, d.LastUpdated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", d.Address, err)
	}
	return nil
}

func (db *DB) RecordEvent(e uwb.Event) error {
	var errText sql.NullString
	if e.Err != nil {
		errText = sql.NullString{String: e.Err.Error(), Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO events (kind, device, message, error, at) VALUES (?, ?, ?, ?, ?)`,
		string(e.Kind), e.Device, e.Message, errText, e.At.UnixMilli(),
	)
	return err
}

// Track returns the newest limit positions of address, oldest first. A
// non-positive limit returns the whole track.
func (db *DB) Track(address string, limit int) ([]PositionRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT address, frame_id, x, y, z, raw_x, raw_y, raw_z, updated_at FROM (
			SELECT * FROM positions WHERE address = ? ORDER BY updated_at DESC, position_id DESC LIMIT ?
		) ORDER BY updated_at ASC, position_id ASC`,
		address, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []PositionRow{}
	for rows.Next() {
		var (
			r          PositionRow
			rx, ry, rz sql.NullFloat64
			updated    int64
		)
		if err := rows.Scan(&r.Address, &r.FrameID, &r.Position.X, &r.Position.Y, &r.Position.Z, &rx, &ry, &rz, &updated); err != nil {
			return nil, err
		}
		if rx.Valid && ry.Valid && rz.Valid {
			r.Raw = &engine.Point{X: rx.Float64, Y: ry.Float64, Z: rz.Float64}
		}
		r.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Frames returns the newest limit frame generations, newest first.
func (db *DB) Frames(limit int) ([]FrameRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT frame_id, created_at FROM frames ORDER BY created_at DESC, recorded_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	var frames []FrameRow
	for rows.Next() {
		var (
			f       FrameRow
			created int64
		)
		if err := rows.Scan(&f.ID, &created); err != nil {
			rows.Close()
			return nil, err
		}
		f.CreatedAt = time.UnixMilli(created).UTC()
		frames = append(frames, f)
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return nil, err
	}

	for i := range frames {
		anchors, err := db.frameAnchors(frames[i].ID)
		if err != nil {
			return nil, err
		}
		frames[i].Anchors = anchors
	}
	return frames, nil
}

func (db *DB) frameAnchors(id string) ([]FrameAnchorRow, error) {
	rows, err := db.Query(`SELECT address, x, y, z FROM frame_anchors WHERE frame_id = ? ORDER BY ordinal`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FrameAnchorRow
	for rows.Next() {
		var a FrameAnchorRow
		if err := rows.Scan(&a.Address, &a.Position.X, &a.Position.Y, &a.Position.Z); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// EventCounts returns the number of recorded events per kind.
func (db *DB) EventCounts() (map[uwb.EventKind]int, error) {
	rows, err := db.Query(`SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[uwb.EventKind]int{}
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[uwb.EventKind(kind)] = n
	}
	return out, rows.Err()
}

// Recorder persists what one processed report changed. It is driven by the
// single engine worker and is not safe for concurrent use.
type Recorder struct {
	db        *DB
	lastFrame string
}

func NewRecorder(db *DB) *Recorder {
	return &Recorder{db: db}
}

// Record stores a new frame generation when the live frame changed, every
// event other than routine position updates, and the device's new position
// when the report moved it.
func (r *Recorder) Record(out engine.Outcome, snap *engine.Snapshot, frame *anchorframe.Frame) error {
	var errs []error
	if frame != nil && frame.Initialized && frame.ID.String() != r.lastFrame {
		if err := r.db.RecordFrame(frame); err != nil {
			errs = append(errs, err)
		} else {
			r.lastFrame = frame.ID.String()
		}
	}
	for _, e := range out.Events {
		if e.Kind == uwb.EventPositionUpdated {
			continue
		}
		if err := r.db.RecordEvent(e); err != nil {
			errs = append(errs, err)
		}
	}
	if out.Updated && snap != nil {
		if d, ok := snap.Device(out.Device); ok {
			if err := r.db.RecordPosition(snap.FrameID, d); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
