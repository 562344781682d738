// Команда authtoken выпускает bearer-токен для локальной разработки и ручных проверок API.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
)

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "authtoken",
		Usage:     "issue a signed storefront bearer token",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", Usage: "signing secret", EnvVars: []string{"STOREFRONT_JWT_SECRET"}},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "user id"},
			&cli.StringFlag{Name: "role", Usage: "role, e.g. admin"},
			&cli.DurationFlag{Name: "ttl", Value: auth.DefaultTTL},
		},
		Action: func(c *cli.Context) error {
			if c.String("secret") == "" {
				return errors.New("--secret (or STOREFRONT_JWT_SECRET) is required")
			}
			token, err := auth.NewManager(c.String("secret"), c.Duration("ttl")).
				Issue(auth.Subject{ID: c.String("user"), Role: c.String("role")})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, token)
			return err
		},
	}
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.WithError(err).Fatal("authtoken failed")
	}
}
