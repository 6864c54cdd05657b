// Package cache implements the content-addressed blob store underneath the
// changeset cache. Blobs are addressed by a hex hash plus an optional suffix
// and laid out as <root>/<h[0:2]>/<h[2:4]>/<h[4:]><suffix>. Writes go through a
// temp file + rename so readers only ever observe complete blobs; reads are
// streamed. Scratch files for content that must not be committed (uncacheable
// changesets, intermediate conversions) are created through Scratch.
package cache
