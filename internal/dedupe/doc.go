// Package dedupe provides bounded FIFO deduplication of inbound update
// identifiers so transport retries are never processed twice.
package dedupe
