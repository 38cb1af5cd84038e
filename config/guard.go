package config

// GuardConfig controls the route guard.
type GuardConfig struct {
	// RoutesFile overrides the embedded route table with a YAML file.
	RoutesFile string `env:"ROUTES_FILE"`
}
