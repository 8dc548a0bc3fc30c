// Package workspace implements the sandboxed file namespace scoped to one
// conversation.
//
// Every externally supplied path is cleaned and verified to remain inside
// the workspace root before any I/O happens; traversal outside the root
// fails with ErrPathEscapes. Directories report the mime type
// "application/x-directory". Listings page through the same cursor contract
// as every other entity kind (see internal/storage).
package workspace
