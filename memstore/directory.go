package memstore

import (
	"context"
	"sync"

	"github.com/apex/log"
	"github.com/habitloop/relay/common"
	"github.com/habitloop/relay/messaging"
)

// GroupDirectory in-memory implementation of messaging.GroupDirectory with
// membership mutation for tests and single-node deployments
type GroupDirectory interface {
	messaging.GroupDirectory
	// SetMembers replace the full membership of a group
	SetMembers(groupID string, members []string)
	// AddMember add one user to a group
	AddMember(groupID, userID string)
	// RemoveMember drop one user from a group
	RemoveMember(groupID, userID string)
}

// inMemoryDirectoryImpl implements GroupDirectory
type inMemoryDirectoryImpl struct {
	common.Component
	lock sync.RWMutex
	// openMembership treat every user as a member of every group
	openMembership bool
	members        map[string]map[string]bool
}

// GetInMemoryGroupDirectory define an in-memory group directory. With
// openMembership set, every user is treated as a member of every group,
// which is the development mode behavior.
func GetInMemoryGroupDirectory(instance string, openMembership bool) (GroupDirectory, error) {
	logTags := log.Fields{
		"module": "memstore", "component": "group-directory", "instance": instance,
	}
	return &inMemoryDirectoryImpl{
		Component:      common.Component{LogTags: logTags},
		openMembership: openMembership,
		members:        make(map[string]map[string]bool),
	}, nil
}

// IsGroupMember check whether a user belongs to a group
func (d *inMemoryDirectoryImpl) IsGroupMember(
	ctxt context.Context, userID, groupID string,
) (bool, error) {
	if d.openMembership {
		return true, nil
	}
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.members[groupID][userID], nil
}

// GroupMembers list the full membership of a group
func (d *inMemoryDirectoryImpl) GroupMembers(
	ctxt context.Context, groupID string,
) ([]string, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	entry := d.members[groupID]
	result := make([]string, 0, len(entry))
	for userID := range entry {
		result = append(result, userID)
	}
	return result, nil
}

// SetMembers replace the full membership of a group
func (d *inMemoryDirectoryImpl) SetMembers(groupID string, members []string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	entry := make(map[string]bool, len(members))
	for _, userID := range members {
		entry[userID] = true
	}
	d.members[groupID] = entry
}

// AddMember add one user to a group
func (d *inMemoryDirectoryImpl) AddMember(groupID, userID string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	entry, ok := d.members[groupID]
	if !ok {
		entry = make(map[string]bool)
		d.members[groupID] = entry
	}
	entry[userID] = true
}

// RemoveMember drop one user from a group
func (d *inMemoryDirectoryImpl) RemoveMember(groupID, userID string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if entry, ok := d.members[groupID]; ok {
		delete(entry, userID)
	}
}
