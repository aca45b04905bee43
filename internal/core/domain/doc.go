// Package domain contains the core entities of the Quarry indexing and
// retrieval engine. These types carry no infrastructure dependencies and
// are shared by every layer of the system.
package domain
