// Package config loads the agent configuration from command-line flags and
// LQOS_* environment variables and derives the attachment plan from it.
//
// Two layouts are supported:
//   - A pair of interfaces, one facing the internet and one facing the ISP
//     network.
//   - On a stick: a single interface where the two directions are told apart
//     by VLAN tag.
package config
