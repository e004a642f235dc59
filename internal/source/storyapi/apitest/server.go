// Package apitest provides an in-process fake of the story REST API with
// fault injection, for tests that exercise the client end to end.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"storysync/internal/domain"
)

const maxUploadBytes = 1 * 1024 * 1024

type account struct {
	name     string
	password string
}

type pendingBlock struct {
	started chan struct{}
	release chan struct{}
}

// Upload is a story received through POST /stories.
type Upload struct {
	Description string
	FileName    string
	ContentType string
	Photo       []byte
	Lat         *float64
	Lon         *float64
}

type Server struct {
	*httptest.Server

	mu           sync.Mutex
	stories      []domain.Story
	accounts     map[string]account
	tokens       map[string]string
	uploads      []Upload
	listCalls    int
	requests     int
	failStatus   []int
	blocks       []*pendingBlock
	lastPageSize int
}

// New starts a fake API server. Call Close when done.
func New() *Server {
	s := &Server{
		accounts: make(map[string]account),
		tokens:   make(map[string]string),
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.countRequests)
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/stories", s.authorized(s.handleList)).Methods(http.MethodGet)
	r.HandleFunc("/stories", s.authorized(s.handleUpload)).Methods(http.MethodPost)
	r.HandleFunc("/stories/{id}", s.authorized(s.handleDetail)).Methods(http.MethodGet)
	return r
}

// AddAccount registers credentials directly.
func (s *Server) AddAccount(name, email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[email] = account{name: name, password: password}
}

// IssueToken returns a valid bearer token without going through /login.
func (s *Server) IssueToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := uuid.NewString()
	s.tokens[token] = email
	return token
}

// ExpireTokens invalidates every issued token.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

// Seed replaces the served stories.
func (s *Server) Seed(stories []domain.Story) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stories = append([]domain.Story(nil), stories...)
}

// GenerateStories builds n stories with ids prefixed by prefix.
func GenerateStories(prefix string, n int) []domain.Story {
	stories := make([]domain.Story, 0, n)
	for i := 0; i < n; i++ {
		stories = append(stories, domain.Story{
			ID:          fmt.Sprintf("%s-%d", prefix, i),
			Name:        fmt.Sprintf("author %d", i),
			Description: fmt.Sprintf("description %d", i),
			PhotoURL:    fmt.Sprintf("https://example.com/%s-%d.jpg", prefix, i),
			CreatedAt:   time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC).Format(time.RFC3339),
		})
	}
	return stories
}

// FailNextList makes the next list calls answer with the given statuses, in order.
func (s *Server) FailNextList(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = append(s.failStatus, statuses...)
}

// BlockNextList holds the next list call until release is called. started
// is closed once the call has arrived.
func (s *Server) BlockNextList() (started <-chan struct{}, release func()) {
	b := &pendingBlock{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s.mu.Lock()
	s.blocks = append(s.blocks, b)
	s.mu.Unlock()

	var once sync.Once
	return b.started, func() { once.Do(func() { close(b.release) }) }
}

// ListCalls returns how many list requests reached the server.
func (s *Server) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// Requests returns how many requests of any kind reached the server.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) LastPageSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPageSize
}

func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		_, valid := s.tokens[token]
		s.mu.Unlock()
		if !ok || !valid {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": true, "message": "Missing authentication"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	name, email, password := r.FormValue("name"), r.FormValue("email"), r.FormValue("password")
	if len(password) < 8 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "message": "Password must be at least 8 characters long"})
		return
	}

	s.mu.Lock()
	_, exists := s.accounts[email]
	if !exists {
		s.accounts[email] = account{name: name, password: password}
	}
	s.mu.Unlock()

	if exists {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "message": "Email is already taken"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"error": false, "message": "User Created"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	email, password := r.FormValue("email"), r.FormValue("password")

	s.mu.Lock()
	acc, ok := s.accounts[email]
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": true, "message": "User not found"})
		return
	}
	if acc.password != password {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": true, "message": "Invalid password"})
		return
	}

	token := s.IssueToken(email)
	writeJSON(w, http.StatusOK, map[string]any{
		"error":   false,
		"message": "success",
		"loginResult": map[string]string{
			"userId": "user-" + email,
			"name":   acc.name,
			"token":  token,
		},
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.listCalls++
	var block *pendingBlock
	if len(s.blocks) > 0 {
		block, s.blocks = s.blocks[0], s.blocks[1:]
	}
	s.mu.Unlock()

	if block != nil {
		close(block.started)
		select {
		case <-block.release:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	status := 0
	if len(s.failStatus) > 0 {
		status, s.failStatus = s.failStatus[0], s.failStatus[1:]
	}
	s.mu.Unlock()

	if status != 0 {
		writeJSON(w, status, map[string]any{"error": true, "message": http.StatusText(status)})
		return
	}

	page := intParam(r, "page", 1)
	size := intParam(r, "size", 10)
	withLocation := r.URL.Query().Get("location") == "1"

	s.mu.Lock()
	s.lastPageSize = size
	var source []domain.Story
	for _, story := range s.stories {
		if withLocation && !story.HasLocation() {
			continue
		}
		source = append(source, story)
	}
	s.mu.Unlock()

	start := (page - 1) * size
	items := make([]map[string]any, 0, size)
	for i := start; i >= 0 && i < len(source) && i < start+size; i++ {
		items = append(items, storyJSON(source[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"error":     false,
		"message":   "Stories fetched successfully",
		"listStory": items,
	})
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, story := range s.stories {
		if story.ID == id {
			writeJSON(w, http.StatusOK, map[string]any{
				"error":   false,
				"message": "Story fetched successfully",
				"story":   storyJSON(story),
			})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": true, "message": "Story not found"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(2 * maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "message": "invalid multipart body"})
		return
	}

	file, header, err := r.FormFile("photo")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "message": "photo is required"})
		return
	}
	defer file.Close()

	photo, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "message": "unreadable photo"})
		return
	}
	if len(photo) > maxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": true, "message": "Payload content length greater than maximum allowed: 1000000"})
		return
	}

	upload := Upload{
		Description: r.FormValue("description"),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Photo:       photo,
		Lat:         floatParam(r.FormValue("lat")),
		Lon:         floatParam(r.FormValue("lon")),
	}

	story := domain.Story{
		ID:          "story-" + uuid.NewString(),
		Name:        "uploader",
		Description: upload.Description,
		PhotoURL:    "https://example.com/" + header.Filename,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		Lat:         upload.Lat,
		Lon:         upload.Lon,
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, upload)
	s.stories = append([]domain.Story{story}, s.stories...)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"error": false, "message": "Story created successfully"})
}

func storyJSON(story domain.Story) map[string]any {
	return map[string]any{
		"id":          story.ID,
		"name":        story.Name,
		"description": story.Description,
		"photoUrl":    story.PhotoURL,
		"createdAt":   story.CreatedAt,
		"lat":         story.Lat,
		"lon":         story.Lon,
	}
}

func intParam(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func floatParam(raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
