package main

// Notifier blank imports: each adapter registers itself with the notifier
// registry.

import (
	_ "github.com/Strob0t/AdFactory/internal/adapter/discord"
	_ "github.com/Strob0t/AdFactory/internal/adapter/slack"
)
