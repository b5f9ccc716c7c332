package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCouncilService_Membership(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	added, err := h.council.AddMember(ctx, TestGuildID, TestMember2ID)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = h.council.AddMember(ctx, TestGuildID, TestMember2ID)
	require.NoError(t, err)
	assert.False(t, added, "already seated")

	_, err = h.council.AddMember(ctx, TestGuildID, TestMember1ID)
	require.NoError(t, err)

	members, err := h.council.ListMembers(ctx, TestGuildID)
	require.NoError(t, err)
	assert.Equal(t, []int64{TestMember1ID, TestMember2ID}, members)

	removed, err := h.council.RemoveMember(ctx, TestGuildID, TestMember1ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = h.council.RemoveMember(ctx, TestGuildID, TestMember1ID)
	require.NoError(t, err)
	assert.False(t, removed)

	// Councils are per guild
	other, err := h.council.ListMembers(ctx, TestGuildID+1)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCouncilService_AddMember_RepositoryError(t *testing.T) {
	ctx := context.Background()

	mockUoW := NewMockUnitOfWork()
	mockFactory := new(MockUnitOfWorkFactory)
	service := NewCouncilService(mockFactory)

	mockFactory.On("CreateForGuild", int64(TestGuildID)).Return(mockUoW)
	mockUoW.On("Begin", ctx).Return(nil)
	mockUoW.On("Rollback").Return(nil)
	mockUoW.CouncilRepo.On("AddMember", ctx, int64(TestMember1ID)).Return(false, errors.New("constraint violation"))

	_, err := service.AddMember(ctx, TestGuildID, TestMember1ID)

	assert.ErrorContains(t, err, "failed to update council")
	mockUoW.AssertAllExpectations(t)
	mockUoW.AssertNotCalled(t, "Commit")
}

func TestCouncilService_Departments(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	_, err := h.council.CreateDepartment(ctx, TestGuildID, "  ", 880000)
	assert.Error(t, err)
	_, err = h.council.CreateDepartment(ctx, TestGuildID, "Treasury Ops", 0)
	assert.ErrorIs(t, err, ErrUnknownAccount)

	department, err := h.council.CreateDepartment(ctx, TestGuildID, " Public Works ", 880000)
	require.NoError(t, err)
	assert.Equal(t, "Public Works", department.Name)
	assert.NotZero(t, department.ID)

	departments, err := h.council.ListDepartments(ctx, TestGuildID)
	require.NoError(t, err)
	require.Len(t, departments, 1)
	assert.Equal(t, int64(880000), departments[0].AccountID)
}

func TestCouncilService_CreateDepartment_CommitFails(t *testing.T) {
	ctx := context.Background()

	mockUoW := NewMockUnitOfWork()
	mockFactory := new(MockUnitOfWorkFactory)
	service := NewCouncilService(mockFactory)

	mockFactory.On("CreateForGuild", int64(TestGuildID)).Return(mockUoW)
	mockUoW.On("Begin", ctx).Return(nil)
	mockUoW.On("Commit").Return(errors.New("serialization failure"))
	mockUoW.On("Rollback").Return(nil)
	mockUoW.DepartmentRepo.On("Create", ctx, mock.AnythingOfType("*models.Department")).Return(nil)

	department, err := service.CreateDepartment(ctx, TestGuildID, "Parks", 12345)

	assert.Nil(t, department)
	assert.ErrorContains(t, err, "failed to commit transaction")
	mockUoW.AssertAllExpectations(t)
}
