package main

import (
	"log"
	"os"

	"brightforge_back/generation"
	"brightforge_back/projects"
	"brightforge_back/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.Default())

	store, err := storage.NewArtifactStoreFromEnv()
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}

	projectsModule, err := projects.RegisterRoutes(r, store)
	if err != nil {
		log.Fatalf("register project routes: %v", err)
	}

	if _, err := generation.RegisterRoutes(r, projectsModule.Registry(), store); err != nil {
		log.Fatalf("register generation routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
