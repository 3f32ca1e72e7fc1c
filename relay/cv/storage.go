package cv

import (
	"bytes"
	"database/sql"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// FrameMetadata contains metadata about a stored frame
type FrameMetadata struct {
	UUID      string
	ServiceID string
	FilePath  string
	Timestamp time.Time
	FileSize  int64
	CreatedAt time.Time
}

// StorageManager manages frame storage and file serving
type StorageManager struct {
	baseDir        string
	frames         map[string]*FrameMetadata // UUID → metadata
	workerRegistry *CVWorkerRegistry         // For key validation
	db             *sql.DB                   // storage_items persistence, may be nil
	eventStore     *EventStore               // annotated-frame event lookup, may be nil
	mu             sync.RWMutex
}

// NewStorageManager creates a new storage manager
func NewStorageManager(baseDir string, workerRegistry *CVWorkerRegistry, db *sql.DB) *StorageManager {
	// Create frames directory
	framesDir := filepath.Join(baseDir, "frames")
	if err := os.MkdirAll(framesDir, 0755); err != nil {
		log.Printf("[StorageManager] Failed to create frames directory: %v", err)
	}

	return &StorageManager{
		baseDir:        baseDir,
		frames:         make(map[string]*FrameMetadata),
		workerRegistry: workerRegistry,
		db:             db,
	}
}

// SetEventStore wires the event store used by the annotated-frame endpoint
// to look up bounding boxes.
func (s *StorageManager) SetEventStore(store *EventStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventStore = store
}

// RegisterFrame registers a new frame, keeping its metadata in memory and,
// if a database is wired, persisting it to the storage_items table.
func (s *StorageManager) RegisterFrame(metadata *FrameMetadata) error {
	s.mu.Lock()
	s.frames[metadata.UUID] = metadata
	db := s.db
	s.mu.Unlock()

	if db != nil {
		_, err := db.Exec(
			"INSERT INTO storage_items (uuid, service_id, file_path, file_size, captured_at) VALUES (?, ?, ?, ?, ?)",
			metadata.UUID, metadata.ServiceID, metadata.FilePath, metadata.FileSize, metadata.Timestamp,
		)
		if err != nil {
			log.Printf("[StorageManager] Failed to persist frame %s: %v", metadata.UUID, err)
		}
	}

	log.Printf("[StorageManager] Registered frame %s for service %s", metadata.UUID, metadata.ServiceID)
	return nil
}

// GetFrame retrieves frame metadata by UUID, falling back to the
// storage_items table when the frame isn't in the in-memory cache (e.g.
// after a restart).
func (s *StorageManager) GetFrame(uuid string) (*FrameMetadata, error) {
	s.mu.RLock()
	frame, exists := s.frames[uuid]
	db := s.db
	s.mu.RUnlock()

	if exists {
		return frame, nil
	}

	if db == nil {
		return nil, fmt.Errorf("frame not found: %s", uuid)
	}

	var meta FrameMetadata
	err := db.QueryRow(
		"SELECT uuid, service_id, file_path, file_size, captured_at FROM storage_items WHERE uuid = ?",
		uuid,
	).Scan(&meta.UUID, &meta.ServiceID, &meta.FilePath, &meta.FileSize, &meta.Timestamp)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("frame not found: %s", uuid)
	}
	if err != nil {
		return nil, err
	}
	meta.CreatedAt = meta.Timestamp

	s.mu.Lock()
	s.frames[uuid] = &meta
	s.mu.Unlock()

	return &meta, nil
}

// GetFramesDir returns the frames directory path
func (s *StorageManager) GetFramesDir() string {
	return filepath.Join(s.baseDir, "frames")
}

// ValidateWorkerKey validates that a worker key is valid
func (s *StorageManager) ValidateWorkerKey(workerKey string) (string, error) {
	// Get workerID from key
	workerID, exists := s.workerRegistry.GetWorkerIDByKey(workerKey)
	if !exists {
		return "", fmt.Errorf("invalid worker key")
	}
	return workerID, nil
}

// HandleFrameDownload handles HTTP requests for frame downloads and, for a
// three-segment path, annotated frame rendering.
// URL formats:
//   /frames/{frameUUID}
//   /frames/{frameUUID}/annotated?event={eventID}
func (s *StorageManager) HandleFrameDownload(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "frames" || parts[1] == "" {
		http.Error(w, "Invalid path format. Expected: /frames/{frameUUID}", http.StatusBadRequest)
		return
	}

	frameUUID := parts[1]

	workerKey := r.Header.Get("X-Worker-Key")
	if workerKey == "" {
		http.Error(w, "Missing X-Worker-Key header", http.StatusUnauthorized)
		return
	}

	workerID, err := s.ValidateWorkerKey(workerKey)
	if err != nil {
		log.Printf("[StorageManager] Invalid worker key for frame %s", frameUUID)
		http.Error(w, "Invalid or expired worker key", http.StatusUnauthorized)
		return
	}

	frame, err := s.GetFrame(frameUUID)
	if err != nil {
		http.Error(w, "Frame not found", http.StatusNotFound)
		return
	}

	if len(parts) == 3 && parts[2] == "annotated" {
		s.handleAnnotatedFrame(w, r, workerID, frame)
		return
	}
	if len(parts) != 2 {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if _, err := os.Stat(frame.FilePath); os.IsNotExist(err) {
		http.Error(w, "File not found on disk", http.StatusNotFound)
		return
	}

	log.Printf("[StorageManager] Worker %s downloading frame %s", workerID, frameUUID)

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%s.jpg", frameUUID))
	http.ServeFile(w, r, frame.FilePath)
}

// handleAnnotatedFrame renders bounding boxes from a named event's payload
// onto a copy of a stored frame. The event must belong to the same service
// as the frame or 404 is returned.
func (s *StorageManager) handleAnnotatedFrame(w http.ResponseWriter, r *http.Request, workerID string, frame *FrameMetadata) {
	eventID := r.URL.Query().Get("event")
	if eventID == "" {
		http.Error(w, "Missing event query parameter", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	store := s.eventStore
	s.mu.RUnlock()
	if store == nil {
		http.Error(w, "Event store unavailable", http.StatusServiceUnavailable)
		return
	}

	event, err := store.Get(eventID)
	if err != nil {
		http.Error(w, "Event not found", http.StatusNotFound)
		return
	}

	if event.ServiceID != frame.ServiceID {
		http.Error(w, "Event does not belong to this frame's service", http.StatusNotFound)
		return
	}

	raw, err := os.ReadFile(frame.FilePath)
	if err != nil {
		http.Error(w, "File not found on disk", http.StatusNotFound)
		return
	}

	annotated, err := annotateFrame(raw, event.Payload)
	if err != nil {
		log.Printf("[StorageManager] Failed to annotate frame %s: %v", frame.UUID, err)
		http.Error(w, "Failed to annotate frame", http.StatusInternalServerError)
		return
	}

	log.Printf("[StorageManager] Worker %s downloading annotated frame %s (event=%s)", workerID, frame.UUID, eventID)

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%s-annotated.jpg", frame.UUID))
	w.Write(annotated)
}

// PruneOlderThan deletes stored frames (file and storage_items row) whose
// capture time is older than horizon. No-op if horizon is zero or storage
// is not backed by a database.
func (s *StorageManager) PruneOlderThan(horizon time.Duration) error {
	if horizon <= 0 {
		return nil
	}

	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	cutoff := time.Now().Add(-horizon)

	var rows *sql.Rows
	var err error
	if db != nil {
		rows, err = db.Query("SELECT uuid, file_path FROM storage_items WHERE captured_at < ?", cutoff)
		if err != nil {
			return fmt.Errorf("query expired frames: %w", err)
		}
	}

	var expired []struct {
		uuid     string
		filePath string
	}
	if rows != nil {
		defer rows.Close()
		for rows.Next() {
			var item struct {
				uuid     string
				filePath string
			}
			if err := rows.Scan(&item.uuid, &item.filePath); err != nil {
				return fmt.Errorf("scan expired frame: %w", err)
			}
			expired = append(expired, item)
		}
	}

	for _, item := range expired {
		if err := os.Remove(item.filePath); err != nil && !os.IsNotExist(err) {
			log.Printf("[StorageManager] Failed to remove expired frame file %s: %v", item.filePath, err)
		}

		if db != nil {
			if _, err := db.Exec("DELETE FROM storage_items WHERE uuid = ?", item.uuid); err != nil {
				log.Printf("[StorageManager] Failed to delete storage_items row %s: %v", item.uuid, err)
			}
		}

		s.mu.Lock()
		delete(s.frames, item.uuid)
		s.mu.Unlock()
	}

	if len(expired) > 0 {
		log.Printf("[StorageManager] Pruned %d expired frames (horizon=%v)", len(expired), horizon)
	}

	return nil
}

// bbox is a scaled bounding box in pixel coordinates.
type bbox struct {
	X1, Y1, X2, Y2 int
}

// scaleBBox scales bbox coordinates from normalized 1000 space (as
// published by vision workers) to actual image resolution.
func scaleBBox(raw []float64, actualWidth, actualHeight int) bbox {
	return bbox{
		X1: int(raw[0] * float64(actualWidth) / 1000.0),
		Y1: int(raw[1] * float64(actualHeight) / 1000.0),
		X2: int(raw[2] * float64(actualWidth) / 1000.0),
		Y2: int(raw[3] * float64(actualHeight) / 1000.0),
	}
}

// drawLabel draws text with a solid background for visibility.
func drawLabel(dst *image.RGBA, x, y int, text string, textColor, bgColor color.Color) {
	const padding = 1
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(textColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x + padding), Y: fixed.I(y + padding + 8)},
	}

	textWidth := d.MeasureString(text).Ceil()
	textHeight := 10

	for by := y; by < y+textHeight+2*padding; by++ {
		for bx := x; bx < x+textWidth+2*padding; bx++ {
			dst.Set(bx, by, bgColor)
		}
	}

	d.DrawString(text)
}

// annotateFrame draws a label at the center of each bounding box named by
// an event payload of shape {"objects": [{"label": "...", "bbox": [x1,y1,x2,y2]}]}.
// Bounding boxes are expected in normalized 1000 coordinates.
func annotateFrame(jpegData []byte, payload map[string]interface{}) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}

	bounds := img.Bounds()
	actualWidth, actualHeight := bounds.Dx(), bounds.Dy()

	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, image.Point{}, draw.Src)

	objects, _ := payload["objects"].([]interface{})
	for _, raw := range objects {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		rawBBox, ok := obj["bbox"].([]interface{})
		if !ok || len(rawBBox) < 4 {
			continue
		}

		coords := make([]float64, 4)
		valid := true
		for i := 0; i < 4; i++ {
			f, ok := rawBBox[i].(float64)
			if !ok {
				valid = false
				break
			}
			coords[i] = f
		}
		if !valid {
			continue
		}

		box := scaleBBox(coords, actualWidth, actualHeight)
		centerX := (box.X1 + box.X2) / 2
		centerY := (box.Y1 + box.Y2) / 2

		label, _ := obj["label"].(string)
		if label == "" {
			label = "?"
		}

		drawLabel(rgba, centerX, centerY, label, color.RGBA{255, 255, 255, 255}, color.Black)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	return buf.Bytes(), nil
}
