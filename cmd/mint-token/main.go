// Command mint-token issues an operator bearer token for the dashboard and
// the operator API, signed with JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"consignment-sync-server/pkg/jwt"

	"github.com/joho/godotenv"
)

func main() {
	operator := flag.String("operator", "", "operator id to embed in the token")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	godotenv.Load()

	if *operator == "" {
		fmt.Fprintln(os.Stderr, "-operator is required")
		os.Exit(2)
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is not set")
		os.Exit(2)
	}

	token, err := jwt.GenerateToken(*operator, *ttl, secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
