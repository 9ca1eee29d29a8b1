// Package main hosts the boorucrawl command.
//
// Architecture overview:
//   - Configuration: internal/config layers defaults, an optional YAML file
//     (--config, else $XDG_CONFIG_HOME/booru-crawler/config.yaml), BOORU_*
//     environment variables and flags. Invalid values stop the process before
//     any request is sent.
//   - Run wiring: internal/app builds the site adapter (gelbooru or yandere),
//     scans the local store for pairs already on disk and seeds the crawl
//     state with them, then connects the fetch session, scheduler, pipeline,
//     exporters and driver.
//   - Paging: the driver fetches one list page at a time, admits a pipeline
//     task per candidate into the bounded scheduler and, with --continuous,
//     rewrites the query bound when the board refuses to page deeper.
//   - Persistence: every accepted post becomes an asset file plus a compact
//     JSON metadata file in one flat directory. A pair is either complete on
//     disk or absent.
//
// Operational notes:
//   - Interrupts escalate: the first one drains in-flight work, the second
//     aborts network I/O, the third exits immediately and may leave temp files
//     that the next run sweeps.
//   - The status server (metrics.addr) serves /healthz, /readyz, /statusz and
//     /metrics for the lifetime of the run.
//   - Exit status is 0 when the board is exhausted, the depth cap is reached
//     or the item budget is spent, and 1 on interrupts, configuration errors
//     and fatal run errors.
//
// Tags that start with "-" must follow "--", e.g. boorucrawl crawl -- -rating:explicit.
package main
