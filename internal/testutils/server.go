package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Product is a product served by Server.
type Product struct {
	ID   string
	Name string
	Data []byte
	// Status, when set, is returned instead of the payload.
	Status int
	// Chunked streams the payload without a Content-Length.
	Chunked bool
	// TruncateAt aborts the stream after that many bytes when positive.
	TruncateAt int
	// Gate, when set, stalls the body after PauseAt bytes until it is closed.
	Gate    chan struct{}
	PauseAt int
}

// Server is a fake identity and product endpoint.
type Server struct {
	*httptest.Server

	// Delay is applied to every product download before the body is sent.
	Delay time.Duration

	mu        sync.Mutex
	passwords map[string]string
	products  map[string]Product
	tokens    map[string]string
	active    map[string]int
	maxActive map[string]int
	// tokenBody, when set, replaces the identity response body.
	tokenBody string

	tokenRequests atomic.Int32
	downloads     atomic.Int32
	seq           atomic.Int32
}

// NewServer starts a fake server accepting the given login/password pairs.
func NewServer(t *testing.T, passwords map[string]string) *Server {
	t.Helper()

	s := &Server{
		passwords: passwords,
		products:  make(map[string]Product),
		tokens:    make(map[string]string),
		active:    make(map[string]int),
		maxActive: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/odata/v1/", s.handleProduct)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// IdentityURL returns the token endpoint.
func (s *Server) IdentityURL() string {
	return s.URL + "/token"
}

// DownloadURL returns the product URL template with a %s placeholder.
func (s *Server) DownloadURL() string {
	return s.URL + "/odata/v1/Products(%s)/$value"
}

// AddProduct registers a product.
func (s *Server) AddProduct(p Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// SetTokenBody makes the identity endpoint answer 200 with body.
func (s *Server) SetTokenBody(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenBody = body
}

// IssueToken registers a bearer token for login without a round trip.
func (s *Server) IssueToken(login string) string {
	token := fmt.Sprintf("tok-%d", s.seq.Add(1))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = login
	return token
}

// TokenRequests returns how many times the identity endpoint was called.
func (s *Server) TokenRequests() int {
	return int(s.tokenRequests.Load())
}

// Downloads returns how many product requests were authorized.
func (s *Server) Downloads() int {
	return int(s.downloads.Load())
}

// MaxActive returns the highest number of concurrent downloads seen for login.
func (s *Server) MaxActive(login string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive[login]
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenRequests.Add(1)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	body := s.tokenBody
	s.mu.Unlock()
	if body != "" {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
		return
	}

	login := r.PostForm.Get("username")
	if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("client_id") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	s.mu.Lock()
	want, ok := s.passwords[login]
	s.mu.Unlock()
	if !ok || want != r.PostForm.Get("password") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "invalid_grant",
			"error_description": "Invalid user credentials",
		})
		return
	}

	token := fmt.Sprintf("tok-%d", s.seq.Add(1))
	s.mu.Lock()
	s.tokens[token] = login
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"expires_in":   600,
		"token_type":   "Bearer",
	})
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	login, authorized := s.tokens[token]
	p, found := s.products[id]
	s.mu.Unlock()
	if !authorized {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	s.downloads.Add(1)

	s.mu.Lock()
	s.active[login]++
	if s.active[login] > s.maxActive[login] {
		s.maxActive[login] = s.active[login]
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active[login]--
		s.mu.Unlock()
	}()

	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}

	if p.Status != 0 {
		http.Error(w, http.StatusText(p.Status), p.Status)
		return
	}

	data := p.Data
	truncated := p.TruncateAt > 0 && p.TruncateAt < len(data)

	w.Header().Set("Content-Type", "application/zip")
	if !p.Chunked {
		// A truncated body still promises the full length.
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	}
	w.WriteHeader(http.StatusOK)
	if truncated {
		data = data[:p.TruncateAt]
	}

	flusher, _ := w.(http.Flusher)
	const piece = 4096
	paused := p.Gate == nil
	for off := 0; off < len(data); {
		end := min(off+piece, len(data))
		if !paused && end > p.PauseAt {
			end = max(off, p.PauseAt)
		}
		w.Write(data[off:end])
		if (p.Chunked || !paused) && flusher != nil {
			flusher.Flush()
		}
		off = end
		if !paused && off >= p.PauseAt {
			paused = true
			select {
			case <-p.Gate:
			case <-r.Context().Done():
				return
			}
		}
	}

	if truncated {
		if flusher != nil {
			flusher.Flush()
		}
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
			}
		}
	}
}

// productID extracts the id from /odata/v1/Products(<id>)/$value.
func productID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/odata/v1/Products(")
	if !ok {
		return "", false
	}
	id, tail, ok := strings.Cut(rest, ")")
	if !ok || id == "" || tail != "/$value" {
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
