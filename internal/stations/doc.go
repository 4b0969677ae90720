// Package stations is the typed station layer over the realtime client.
//
// Service maps the backend's station actions onto Go calls. Store keeps a
// local station list and merges push updates into it.
package stations
