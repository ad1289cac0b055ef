/*
Package events distributes worker and build lifecycle events to attached
presentation layers.

The dispatch loop and VM orchestrator publish here instead of mutating a
process-wide progress notifier; a menu-bar shell or HUD subscribes and
renders what it receives. Publishing never blocks the producer: slow
subscribers drop events once their buffer fills.
*/
package events
