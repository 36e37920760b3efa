// Command admintoken prints a bearer token for the admin API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	router "github.com/dkeye/voiceconf/internal/adapters/http"
	"github.com/dkeye/voiceconf/internal/config"
)

func main() {
	secret := pflag.String("secret", "", "signing secret (defaults to the configured one)")
	subject := pflag.String("subject", "operator", "operator name recorded in the token")
	ttl := pflag.Duration("ttl", 0, "token lifetime (defaults to admin.token_ttl)")
	pflag.Parse()

	if *secret == "" || *ttl == 0 {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintln(os.Stderr, "admintoken:", err)
			os.Exit(1)
		}
		if *secret == "" {
			*secret = cfg.Secret
		}
		if *ttl == 0 {
			*ttl = cfg.Admin.TokenTTL
		}
	}
	if *ttl <= 0 {
		*ttl = time.Hour
	}

	token, err := router.IssueAdminToken([]byte(*secret), *subject, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "admintoken:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
