// Package icy reads ICY/Shoutcast audio streams and extracts the in-band
// "now playing" metadata.
//
// A Stream wraps one upstream HTTP connection. Read returns only audio bytes;
// the interleaved metadata blocks are decoded and reported through the
// OnMetadata callback whenever the title changes. Playlist URLs (.pls, .m3u)
// are resolved to the underlying stream URL before connecting.
package icy
