// Package main library borrowing API.
//
// @title           Library Service API
// @version         1.0
// @description     Library rental service (books, borrowings, users).
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description  Use:  Bearer <JWT>
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/dryzhenko/library-service/app/echoServer"
	authctrl "github.com/dryzhenko/library-service/app/echoServer/controller/auth"
	bookctrl "github.com/dryzhenko/library-service/app/echoServer/controller/book"
	borrowingctrl "github.com/dryzhenko/library-service/app/echoServer/controller/borrowing"
	"github.com/dryzhenko/library-service/app/echoServer/validation"
	"github.com/dryzhenko/library-service/config"
	bookrepo "github.com/dryzhenko/library-service/repository/book"
	borrowingrepo "github.com/dryzhenko/library-service/repository/borrowing"
	"github.com/dryzhenko/library-service/repository/notifier"
	userrepo "github.com/dryzhenko/library-service/repository/user"
	authsvc "github.com/dryzhenko/library-service/service/auth"
	booksvc "github.com/dryzhenko/library-service/service/book"
	borrowingsvc "github.com/dryzhenko/library-service/service/borrowing"
	"github.com/dryzhenko/library-service/util/database"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echoSwagger "github.com/swaggo/echo-swagger"
)

func main() {

	config.LoadEnv()
	cfg := config.Load()
	ctx := context.Background()

	// logger
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// repos
	ur := userrepo.New(db.SQL)
	br := bookrepo.New(db.SQL)
	lr := borrowingrepo.New(db.SQL)

	// notifier: best-effort telegram announcement of new borrowings
	var n notifier.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		n = notifier.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
	} else {
		log.Warn("telegram notifier not configured, borrowing notifications disabled")
		n = notifier.NewNoop()
	}

	// services
	as := authsvc.New(ur, cfg.JWTSecret)
	bs := booksvc.New(br)
	ls := borrowingsvc.New(db.SQL, br, lr, n)

	// controllers
	v := validator.New()
	authC := &authctrl.Controller{Svc: as, V: v, Log: log}
	bookC := &bookctrl.Controller{Svc: bs, V: v, Log: log}
	borrowingC := &borrowingctrl.Controller{Svc: ls, V: v, Log: log}

	// echo
	e := echo.New()
	echoServer.RegisterMiddlewares(e)
	e.Validator = validation.New()

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]any{
			"status":  "ok",
			"message": "Service is healthy and connected",
		})
	})

	e.GET("/swagger/*", echoSwagger.WrapHandler)

	echoServer.Register(e, echoServer.C{
		Auth:      authC,
		Book:      bookC,
		Borrowing: borrowingC,

		JWTSecret: cfg.JWTSecret,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Port
	}

	log.Info("starting server", "port", port, "env", cfg.Env)

	e.Logger.Fatal(e.Start(":" + port))
}
