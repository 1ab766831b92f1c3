package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"taskboard/authtoken"
)

func main() {
	var (
		user     = flag.String("user", "local-user", "subject of the token")
		ttl      = flag.Duration("ttl", authtoken.DefaultTTL, "token lifetime")
		audience = flag.String("audience", os.Getenv("AUTH0_AUDIENCE"), "audience claim")
		issuer   = flag.String("issuer", "", "issuer claim")
	)
	flag.Parse()

	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		log.Fatal("TEST_JWT_SECRET must be set")
	}
	tok, err := authtoken.Mint([]byte(secret), *user, authtoken.Options{Audience: *audience, Issuer: *issuer, TTL: *ttl})
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Print(tok)
}
