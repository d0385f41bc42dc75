package main

import (
	"context"
	"log"
	"net/http"

	"github.com/joho/godotenv"

	"github.com/amoura-app/amoura-backend/internal/chat"
	"github.com/amoura-app/amoura-backend/internal/config"
	"github.com/amoura-app/amoura-backend/internal/database"
	"github.com/amoura-app/amoura-backend/internal/handlers"
	"github.com/amoura-app/amoura-backend/internal/middleware"
	"github.com/amoura-app/amoura-backend/internal/notify"
	"github.com/amoura-app/amoura-backend/internal/routes"
	"github.com/amoura-app/amoura-backend/internal/store"
	"github.com/amoura-app/amoura-backend/internal/users"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

func main() {
	// Load env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg := config.Load()

	// Connect to MongoDB (chat documents)
	log.Printf("Connecting to MongoDB...")
	mongoClient, mongoDB, err := database.Connect(cfg.MongoURI)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer database.Disconnect(mongoClient)

	// Connect to PostgreSQL (user profiles)
	log.Printf("Connecting to PostgreSQL...")
	pg, err := database.ConnectPostgres(cfg.PostgresURI)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL:", err)
	}
	defer pg.Close()

	// Connect to Redis (notification dispatch)
	log.Printf("Connecting to Redis...")
	redisClient, err := database.ConnectRedis(cfg.RedisURI)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer redisClient.Close()

	docStore := store.NewMongo(mongoClient, mongoDB)
	if err := docStore.EnsureIndexes(context.Background()); err != nil {
		log.Printf("⚠️  WARNING: failed to ensure MongoDB indexes: %v", err)
	} else {
		log.Println("✅ MongoDB indexes ensured")
	}

	chatService := chat.New(
		docStore,
		users.NewPostgres(pg),
		notify.NewRedis(redisClient),
	)
	chatHandler := handlers.NewChatHandler(chatService)

	// Setup router
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.SendRateLimit)

	// Health check (no rate limit)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	routes.SetupRoutes(r, chatHandler)

	log.Printf("🚀 Amoura messaging core running on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
