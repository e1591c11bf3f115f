// Package knowledge defines knowledge base records and derives their
// content fingerprints and stable ids from raw source rows.
//
// A record id never depends on where its row sits in the source: it is
// built from the category, a slug of the label and a digest of the
// identity-bearing fields. Reordering a source therefore changes no id,
// and editing an answer keeps the id while changing the fingerprint.
package knowledge
