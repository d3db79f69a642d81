// Package vpn orchestrates the lifecycle of an IKEv2 tunnel.
//
// This package implements:
//
//   - Profile management: storing, importing and looking up VPN profiles
//   - Connection orchestration: connect, disconnect, retry with backoff and
//     resume after network loss
//   - Split tunneling: computing the interface routes from the profile and
//     the routes the engine pushes
//   - Engine control: serializing profile settings and driving the native
//     engine helper
//
// # Architecture
//
// The package is organized around three main types:
//
//   - StateMachine: the single-goroutine orchestrator; it owns every piece of
//     connection state and publishes Snapshots to Observers
//   - Controller: owns the native Engine; it applies only the most recent
//     connection Request and tears the previous one down first
//   - ProfileManager: handles persistence of profiles
//
// # Connection Flow
//
//  1. A caller invokes StateMachine.Connect with a profile
//  2. The state machine bumps the attempt number and hands a Request to the Controller
//  3. The Controller stops the previous engine run and starts a new one
//  4. Engine reports are tagged with their attempt; stale ones are dropped
//  5. Errors arm a retry on the wake-capable scheduler; Connected resets the backoff
//
// # Thread Safety
//
// StateMachine and Controller methods are safe for concurrent use. Observers
// are called on the state machine goroutine and must not block.
package vpn
