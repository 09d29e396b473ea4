package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/audit"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/credential"
	"rollcall/internal/directory"
	"rollcall/internal/facematch"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/imagestore"
	"rollcall/internal/ledger"
	"rollcall/internal/method"
	"rollcall/internal/queue"
	"rollcall/internal/session"
	"rollcall/internal/store"
	"rollcall/internal/sweep"
	"rollcall/internal/verify"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable, falling back to in-memory stores: %v", err)
		db = nil
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	// Storage wiring: Postgres + Redis when available, in-memory otherwise
	// so dev runs work with nothing installed.
	var (
		creds    credential.Store
		sessions session.Registry
		book     ledger.Ledger
		auditLog audit.Log
		recorder audit.Recorder
		students directory.Students
		classes  directory.Classes
	)
	policy := credential.Policy{MaxAttempts: cfg.PinMaxAttempts, LockoutFor: cfg.PinLockout}
	if db != nil {
		creds = credential.NewPostgres(db.Client, policy, cfg.BcryptCost)
		book = ledger.NewPostgres(db.Client)
		auditLog = audit.NewPostgres(db.Client)
		students = directory.NewPostgresStudents(db.Client)
		classes = directory.NewPostgresClasses(db.Client)
		sessions = session.NewRedis(redisClient.Client, "")
	} else {
		mem := directory.NewMemory()
		creds = credential.NewMemory(policy)
		book = ledger.NewMemory()
		auditLog = audit.NewMemory()
		students = mem
		classes = mem.Classes()
		sessions = session.NewMemory(nil)
	}

	// Audit entries flow through the queue so the worker does the durable
	// write off the hot path; without Postgres they go straight to memory.
	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}
	if db != nil {
		recorder = audit.NewPublisher(q)
	} else {
		recorder = auditLog
	}

	var matcher facematch.Matcher
	if cfg.FaceSkip {
		matcher = facematch.Static{Result: facematch.Result{Matched: true, Similarity: 0.92, FacesDetected: 1}}
		log.Println("face matching in skip mode (FACE_SKIP=true)")
	} else {
		matcher = facematch.NewClient(cfg.FaceServiceURL)
	}

	var images *imagestore.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		images = imagestore.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	} else {
		log.Println("image storage not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	var fetcher imagestore.Fetcher = imagestore.MapFetcher{}
	if images != nil {
		fetcher = images
	}

	engine := verify.New(creds, sessions, book, recorder, matcher, students, classes, fetcher,
		verify.WithTolerance(cfg.FaceTolerance),
		verify.WithTimeout(cfg.VerifyTimeout),
		verify.WithLogger(logger),
	)
	sweeper := sweep.New(book, students, classes, recorder, cfg.CutoffOn, sweep.WithLogger(logger))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	// Behind auth the limiter keys on the token subject; the token-minting
	// endpoints below fall back to client IP.
	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy && !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/devices/register", limiter.GinMiddleware(), func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.DeviceID, auth.RoleDevice, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	// Admin tokens are exchanged for the deployment key; user/password
	// login lives in the surrounding CRUD service.
	r.POST("/v1/admin/token", limiter.GinMiddleware(), func(c *gin.Context) {
		var req struct {
			Key string `json:"key" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if cfg.AdminAPIKey == "" || req.Key != cfg.AdminAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad admin key"})
			return
		}
		tokens, err := auth.Issue("admin", auth.RoleAdmin, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": tokens.AccessToken, "expires_at": tokens.AccessExp.Unix()})
	})

	authGroup := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.GinMiddleware())
	adminGroup := authGroup.Group("", auth.RequireRole(auth.RoleAdmin))

	authGroup.POST("/attendance/verify", func(c *gin.Context) {
		var req struct {
			StudentID   string `json:"student_id"`
			SessionCode string `json:"session_code"`
			Method      string `json:"method" binding:"required"`
			PIN         string `json:"pin"`
			CardUID     string `json:"card_uid"`
			ImageData   string `json:"image_data"`
			DeviceInfo  string `json:"device_info"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		m, err := method.Parse(req.Method)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var image []byte
		if req.ImageData != "" {
			image, err = decodeImage(req.ImageData)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": verify.ErrImageUnreadable.Error()})
				return
			}
		}

		result, err := engine.Verify(c.Request.Context(), verify.Request{
			StudentID:   req.StudentID,
			SessionCode: req.SessionCode,
			Method:      m,
			PIN:         req.PIN,
			CardUID:     req.CardUID,
			Image:       image,
			SourceAddr:  c.ClientIP(),
			DeviceInfo:  req.DeviceInfo,
		})
		if err != nil {
			// Distinct envelope: "the request is broken" or "we are broken",
			// never shaped like a failed check.
			if verify.IsStructural(err) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			log.Printf("verify failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verification unavailable"})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	authGroup.POST("/students/:id/pin", func(c *gin.Context) {
		var req struct {
			PIN string `json:"pin" binding:"required,min=4"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := creds.SetPIN(c.Request.Context(), c.Param("id"), req.PIN); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "pin update failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authGroup.GET("/attendance", func(c *gin.Context) {
		ctx := c.Request.Context()
		if classID := c.Query("class_id"); classID != "" {
			day := c.Query("date")
			if day == "" {
				day = ledger.DateOf(time.Now())
			}
			records, err := book.QueryByClass(ctx, classID, day)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"records": records})
			return
		}
		studentID := c.Query("student_id")
		if studentID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "student_id or class_id required"})
			return
		}
		from, to := parseRange(c.Query("from"), c.Query("to"))
		records, err := book.Query(ctx, studentID, from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	adminGroup.POST("/sessions", func(c *gin.Context) {
		var req struct {
			ClassID    string `json:"class_id" binding:"required"`
			TTLSeconds int    `json:"ttl_seconds"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ttl := cfg.SessionTTL
		if req.TTLSeconds > 0 {
			ttl = time.Duration(req.TTLSeconds) * time.Second
		}
		s, err := sessions.Create(c.Request.Context(), req.ClassID, ttl)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session create failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session_code": s.Code, "expires_at": s.ExpiresAt})
	})

	adminGroup.POST("/students/:id/card", func(c *gin.Context) {
		var req struct {
			CardUID   string     `json:"card_uid" binding:"required"`
			ExpiresAt *time.Time `json:"expires_at"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		card := credential.Card{
			CardUID:   req.CardUID,
			StudentID: c.Param("id"),
			Active:    true,
			ExpiresAt: req.ExpiresAt,
		}
		if err := creds.IssueCard(c.Request.Context(), card); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "card issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"status": "ok"})
	})

	adminGroup.POST("/students/:id/face", func(c *gin.Context) {
		if images == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}
		var req struct {
			ImageData string `json:"image_data" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		data, err := decodeImage(req.ImageData)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": verify.ErrImageUnreadable.Error()})
			return
		}
		studentID := c.Param("id")
		result, err := images.Upload(c.Request.Context(), data, studentID+".jpg")
		if err != nil {
			log.Printf("reference image upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}
		if err := students.SetReferenceImage(c.Request.Context(), studentID, result.SecureURL); err != nil {
			if errors.Is(err, directory.ErrStudentNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enrollment failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": result.SecureURL})
	})

	adminGroup.POST("/admin/absence-sweep", func(c *gin.Context) {
		var req struct {
			AsOf *time.Time `json:"as_of"`
		}
		// Empty body means "sweep now"; anything unparseable is an error.
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		asOf := time.Now()
		if req.AsOf != nil {
			asOf = *req.AsOf
		}
		marked, err := sweeper.Run(c.Request.Context(), asOf)
		if err != nil {
			if errors.Is(err, sweep.ErrTooEarly) {
				c.JSON(http.StatusConflict, gin.H{"error": "too early", "marked": 0})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"marked": marked})
	})

	adminGroup.GET("/audit/recent", func(c *gin.Context) {
		limit := 50
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		entries, err := auditLog.Recent(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

// decodeImage accepts a raw base64 string or a full data URL.
func decodeImage(data string) ([]byte, error) {
	if idx := strings.Index(data, ","); idx >= 0 && strings.HasPrefix(data, "data:") {
		data = data[idx+1:]
	}
	return base64.StdEncoding.DecodeString(data)
}

func parseRange(from, to string) (time.Time, time.Time) {
	start := time.Now().AddDate(0, -1, 0)
	end := time.Now()
	if from != "" {
		if t, err := time.Parse("2006-01-02", from); err == nil {
			start = t
		}
	}
	if to != "" {
		if t, err := time.Parse("2006-01-02", to); err == nil {
			end = t.Add(24*time.Hour - time.Nanosecond)
		}
	}
	return start, end
}

// CORS middleware for browser requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
