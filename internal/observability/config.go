package observability

// Config captures opt-in debug toggles that wire into the HTTP surface.
type Config struct {
	// EnablePprofTrace mounts the pprof index, profile, and trace endpoints.
	EnablePprofTrace bool
}
