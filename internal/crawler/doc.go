// Package crawler defines the core types shared by the ingest engine:
// fetch requests, search result candidates, extracted post fields, the
// persisted metadata record and the Site capability set every board adapter
// implements.
package crawler
