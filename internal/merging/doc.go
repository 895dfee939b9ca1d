// Package merging assembles captured tape parts into one movie file.
//
// Parts are ordered by their recording start (embedded DV timecode
// first, container metadata second, file modification time last) and
// joined with the concat demuxer, stream copy with a re-encode
// fallback. When enabled, timestamp overlays are burned in at detected
// scene changes so the viewer can see when each take was shot.
package merging
