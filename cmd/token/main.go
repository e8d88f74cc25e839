// Command token mints a bearer token against a gateway's secret
// directory, using the same local auth adapter the gateway itself runs.
// Useful for smoke-testing a route with an auth middleware before any
// user account exists: point -secrets at the gateway's secret_store dir
// and paste the printed token into an Authorization header.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/l8e-harbor/harbor-gateway/internal/authadapter/local"
	"github.com/l8e-harbor/harbor-gateway/internal/model"
	"github.com/l8e-harbor/harbor-gateway/internal/secretstore/localfs"
)

func main() {
	var secretsDir, sub, role string
	var ttlSeconds int
	flag.StringVar(&secretsDir, "secrets", "./data/secrets", "gateway secret_store directory")
	flag.StringVar(&sub, "sub", "dev", "subject claim")
	flag.StringVar(&role, "role", model.RoleHarborMaster, "role claim (harbor-master or captain)")
	flag.IntVar(&ttlSeconds, "ttl", 3600, "token lifetime in seconds")
	flag.Parse()

	if role != model.RoleHarborMaster && role != model.RoleCaptain {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", role)
		os.Exit(2)
	}

	secrets, err := localfs.New(secretsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	adapter := local.New(secrets, time.Duration(ttlSeconds)*time.Second)
	tok, err := adapter.IssueToken(context.Background(), sub, role, ttlSeconds)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
