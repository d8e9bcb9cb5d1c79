// Package device holds the vocabulary shared by every layer of the bridge:
// the classified error taxonomy reported to the host, UUID normalization for
// services and characteristics, and the DiscoveredDevice record produced by scans.
package device
