package session

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"golang.org/x/image/draw"

	"github.com/proctorwatch/proctor-server/internal/logger"
)

// FrameBroadcaster fans one session's preview JPEGs out to viewers. The most
// recent frame is replayed to late subscribers.
type FrameBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	latest  []byte
	closed  bool
}

// NewFrameBroadcaster creates an empty broadcaster.
func NewFrameBroadcaster() *FrameBroadcaster {
	return &FrameBroadcaster{clients: make(map[int]chan []byte)}
}

// Subscribe adds a new client and returns a channel for receiving frames.
// The channel is closed when the session ends.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	if fb.latest != nil {
		ch <- fb.latest
	}
	if fb.closed {
		close(ch)
		return id, ch
	}
	fb.clients[id] = ch
	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
	}
}

// ClientCount returns the number of viewers.
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Publish delivers data to every viewer; slow viewers skip the frame.
// It reports how many viewers received it.
func (fb *FrameBroadcaster) Publish(data []byte) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.closed {
		return 0
	}
	fb.latest = data
	sent := 0
	for _, ch := range fb.clients {
		select {
		case ch <- data:
			sent++
		default:
		}
	}
	return sent
}

// Close ends every subscription.
func (fb *FrameBroadcaster) Close() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.closed {
		return
	}
	fb.closed = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
}

// Encoder downsamples frames and encodes them as JPEG.
type Encoder struct {
	Width   int
	Height  int
	Quality int
}

// Encode scales img to the encoder size and returns JPEG bytes.
func (e Encoder) Encode(img image.Image) ([]byte, error) {
	w, h := e.Width, e.Height
	if w <= 0 || h <= 0 {
		b := img.Bounds()
		w, h = b.Dx(), b.Dy()
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	q := e.Quality
	if q <= 0 || q > 100 {
		q = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BlankJPEG renders colour bars, shown when the camera cannot be opened.
func (e Encoder) BlankJPEG() ([]byte, error) {
	w, h := e.Width, e.Height
	if w <= 0 || h <= 0 {
		w, h = 320, 240
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	bars := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}
	barWidth := w / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := x / barWidth
			if i >= len(bars) {
				i = len(bars) - 1
			}
			img.SetRGBA(x, y, bars[i])
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
