package main

import (
	"fmt"
	"os"

	"github.com/avoicu/kamen/common/environment"
	"github.com/avoicu/kamen/common/version"
	"github.com/avoicu/kamen/internal/kamen/app"
	"github.com/avoicu/kamen/internal/kamen/matrix"
)

func main() {
	fmt.Println(version.Info())
	fmt.Println()

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	kamen, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Kamen: %v\n", err)
		os.Exit(1)
	}
	defer kamen.Stop()

	if err := kamen.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Kamen: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from environment variables.
func loadConfig() (*app.Config, error) {
	homeserver, err := environment.RequiredString("KAMEN_MATRIX_HOMESERVER")
	if err != nil {
		return nil, err
	}
	userID, err := environment.RequiredString("KAMEN_MATRIX_USER_ID")
	if err != nil {
		return nil, err
	}
	accessToken, err := environment.RequiredString("KAMEN_MATRIX_ACCESS_TOKEN")
	if err != nil {
		return nil, err
	}
	apiKey, err := environment.RequiredString("KAMEN_OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}

	return &app.Config{
		DatabasePath: environment.StringOr("DATABASE_PATH", "./kamen.db"),
		Matrix: matrix.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: accessToken,
			Rooms:       environment.StringSliceOr("KAMEN_MATRIX_ROOMS", nil),
		},
		PersonaCatalogPath: environment.StringOr("KAMEN_PERSONAS", "./personas.yaml"),
		OpenAIAPIKey:       apiKey,
		OpenAIEndpoint:     environment.StringOr("KAMEN_OPENAI_ENDPOINT", ""),
		SweepInterval:      environment.DurationOr("KAMEN_SWEEP_INTERVAL", 0),
		IdleThreshold:      environment.DurationOr("KAMEN_IDLE_THRESHOLD", 0),
	}, nil
}
