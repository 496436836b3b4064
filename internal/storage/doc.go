// Package storage keeps an append-only history of delivery runs and operator
// actions. Nothing in it is ever loaded back into pipeline state.
package storage
