package config

import "missiongov/internal/logging"

// LoggingConfig configures logging. It is the logging package's own Config so
// the loaded section can be handed to logging.Initialize unchanged.
type LoggingConfig = logging.Config
