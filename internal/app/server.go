package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"authd/backend/internal/model"
	"authd/backend/internal/repository"
)

type contextKey string

const subjectContextKey contextKey = "authSubject"

type Server struct {
	cfg    Config
	db     *sql.DB
	users  repository.UserRepository
	tokens *TokenManager
	mux    *http.ServeMux
	http   *http.Server
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type userResponse struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type responseError struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func NewServer(cfg Config) (*Server, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	users := repository.NewSQLUserRepository(db)
	if err := users.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	s := newServer(cfg, users)
	s.db = db
	s.http = &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.AdminInitEnabled {
		if err := s.EnsureBootstrapAdmin(context.Background(), cfg.AdminInitEmail, cfg.AdminInitPassword); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func newServer(cfg Config, users repository.UserRepository) *Server {
	s := &Server{
		cfg:    cfg,
		users:  users,
		tokens: NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL()),
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Server) ListenAndServe() error {
	log.Printf("authd listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /signup", s.handleSignup)
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.Handle("GET /users/me", s.withAuth(http.HandlerFunc(s.handleWhoami)))
	s.mux.Handle("POST /users", s.withAuth(http.HandlerFunc(s.handleAdminCreateUser)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Service: "authd"})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCreateUserRequest(w, r)
	if !ok {
		return
	}

	if _, err := s.createUser(r.Context(), req); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			log.Printf("signup rejected: email %s already registered", req.Email)
			writeErr(w, http.StatusBadRequest, "email already registered")
			return
		}
		log.Printf("signup failed for %s: %v", req.Email, err)
		writeErr(w, http.StatusInternalServerError, "failed to register")
		return
	}

	log.Printf("user %s created successfully", req.Username)
	writeJSON(w, http.StatusCreated, map[string]string{"msg": "user created successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid form body")
		return
	}
	// OAuth2 password-flow field names: the username field carries the email.
	email := model.NormalizeEmail(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	if email == "" || password == "" {
		writeErr(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}

	user, err := s.users.FindByEmail(r.Context(), email)
	if err != nil {
		// The response never says which check failed; only the log does.
		if errors.Is(err, repository.ErrUserNotFound) {
			log.Printf("failed login attempt for %s: no such user", email)
			writeErr(w, http.StatusUnauthorized, "incorrect username or password")
			return
		}
		log.Printf("login lookup failed for %s: %v", email, err)
		writeErr(w, http.StatusInternalServerError, "failed to login")
		return
	}
	if !CheckPassword(user.PasswordHash, password) {
		log.Printf("failed login attempt for %s: wrong password", email)
		writeErr(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}

	token, err := s.tokens.Issue(user.Email)
	if err != nil {
		log.Printf("token issue failed for %s: %v", email, err)
		writeErr(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	log.Printf("user %s logged in successfully", email)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// Logout only checks that some bearer token is present. Tokens stay valid
// until their TTL elapses; there is no revocation list.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, ok := bearerToken(r); !ok {
		writeErr(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	log.Printf("user logged out successfully")
	writeJSON(w, http.StatusOK, map[string]string{"msg": "logged out successfully"})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	email := subjectFromContext(r.Context())

	user, err := s.users.FindByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			log.Printf("whoami: user %s not found", email)
			writeErr(w, http.StatusNotFound, "user not found")
			return
		}
		log.Printf("whoami lookup failed for %s: %v", email, err)
		writeErr(w, http.StatusInternalServerError, "failed to fetch user")
		return
	}

	writeJSON(w, http.StatusOK, userResponse{Username: user.Username, Email: user.Email})
}

func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	email := subjectFromContext(r.Context())

	// A missing caller record and a non-admin role fail the same way.
	caller, err := s.users.FindByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			log.Printf("unauthorized user-create attempt by %s: no record", email)
			writeErr(w, http.StatusForbidden, "forbidden")
			return
		}
		log.Printf("caller lookup failed for %s: %v", email, err)
		writeErr(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	if !caller.IsAdmin() {
		log.Printf("unauthorized user-create attempt by %s: not admin", email)
		writeErr(w, http.StatusForbidden, "forbidden")
		return
	}

	req, ok := decodeCreateUserRequest(w, r)
	if !ok {
		return
	}

	user, err := s.createUser(r.Context(), req)
	if err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			writeErr(w, http.StatusBadRequest, "email already registered")
			return
		}
		log.Printf("user create failed for %s: %v", req.Email, err)
		writeErr(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	log.Printf("user %s created by admin %s", user.Username, email)
	writeJSON(w, http.StatusCreated, userResponse{Username: user.Username, Email: user.Email})
}

// createUser hashes the password and persists the record with role user.
// Duplicate detection is left to the store's unique email key.
func (s *Server) createUser(ctx context.Context, req createUserRequest) (model.User, error) {
	hash, err := HashPassword(req.Password)
	if err != nil {
		return model.User{}, err
	}
	return s.users.Create(ctx, repository.CreateUserInput{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         model.UserRoleUser,
	})
}

var errInvalidAdminInitInput = errors.New("admin email and password are required")

// EnsureBootstrapAdmin creates the first admin account from configuration.
// Idempotent: an existing admin, or losing the create race, is not an error.
func (s *Server) EnsureBootstrapAdmin(ctx context.Context, email, password string) error {
	email = model.NormalizeEmail(email)
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return errInvalidAdminInitInput
	}
	if err := model.ValidateEmail(email); err != nil {
		return err
	}

	admins, err := s.users.CountAdmins(ctx)
	if err != nil {
		return err
	}
	if admins > 0 {
		return nil
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	_, err = s.users.Create(ctx, repository.CreateUserInput{
		Username:     "admin",
		Email:        email,
		PasswordHash: hash,
		Role:         model.UserRoleAdmin,
	})
	if errors.Is(err, repository.ErrEmailTaken) {
		log.Printf("admin init: account %s already exists, leaving it untouched", email)
		return nil
	}
	if err == nil {
		log.Printf("admin init: created admin account %s", email)
	}
	return err
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeErr(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		subject, err := s.tokens.Parse(token)
		if err != nil {
			log.Printf("rejected token: %v", err)
			writeErr(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		ctx := context.WithValue(r.Context(), subjectContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func subjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectContextKey).(string)
	return subject
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func decodeCreateUserRequest(w http.ResponseWriter, r *http.Request) (createUserRequest, bool) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return createUserRequest{}, false
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = model.NormalizeEmail(req.Email)
	if req.Username == "" || req.Password == "" {
		writeErr(w, http.StatusBadRequest, "username and password are required")
		return createUserRequest{}, false
	}
	if err := model.ValidateEmail(req.Email); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return createUserRequest{}, false
	}
	return req, true
}

func writeErr(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, responseError{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to write json response: %v", err)
	}
}
