// Package health aggregates dependency checks for readiness probes.
//
// A check is any func(context.Context) error. The integration packages return
// them ready-made (pg.Healthcheck, redis.Healthcheck), and queue services and
// archivers expose a Healthcheck method with the same signature.
//
// Usage:
//
//	ready := health.Readiness(log,
//		health.Named("postgres", pg.Healthcheck(pool)),
//		health.Named("redis", redis.Healthcheck(client)),
//		health.Named("bus", busService.Healthcheck),
//	)
//	if err := ready(ctx); err != nil {
//		// errors.Is(err, health.ErrNotReady) == true
//	}
//
// Readiness runs every check even after one fails so that the log and the
// returned error name all failing dependencies. Report returns per-check
// results for callers that render them, such as the CLI health command.
package health
