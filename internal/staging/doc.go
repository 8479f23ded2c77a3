// Package staging buffers inbound audio chunks to uniquely named files in a staging
// directory and removes them again once a chunk's pipeline has finished.
package staging
