package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// @title          Moment API
// @version        1.0
// @description    Turns short voice recordings into synthesized songs.
// @BasePath       /
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
