// Command issuetoken mints a bearer token for local development
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/maneesh/vidstream/internal/auth"
	"github.com/maneesh/vidstream/internal/config"
	"github.com/maneesh/vidstream/internal/models"
)

func main() {
	user := flag.String("user", "", "user id")
	tenant := flag.String("tenant", "", "tenant id")
	role := flag.String("role", string(models.RoleEditor), "viewer, editor or admin")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("Failed to initialize token signer: %v", err)
	}

	token, err := tokens.Issue(models.Requester{UserID: *user, TenantID: *tenant, Role: models.Role(*role)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "issuetoken: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}
	fmt.Println(token)
}
