// Package embedding provides EmbeddingProvider implementations and the
// content-addressed cache that fronts them. The provider configuration is a
// tagged union resolved once at construction into a concrete provider.
package embedding
