package store

import (
	"errors"
	"fmt"

	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
)

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(task *models.ScheduledTask) error {
	if task.ID == "" {
		return fmt.Errorf("store: task id is required")
	}
	if err := s.db.Create(task).Error; err != nil {
		return fmt.Errorf("store: create task %s: %w", task.ID, err)
	}
	return nil
}

// GetTaskByID loads one task. Returns ErrTaskNotFound if it does not exist.
func (s *Store) GetTaskByID(id string) (*models.ScheduledTask, error) {
	var task models.ScheduledTask
	err := s.db.Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", id, err)
	}
	return &task, nil
}

// GetAllTasks lists every task, newest first.
func (s *Store) GetAllTasks() ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	if err := s.db.Order("created_at DESC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	return tasks, nil
}

// GetTasksForGroup lists the tasks owned by one group folder.
func (s *Store) GetTasksForGroup(folder string) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	if err := s.db.Where("group_folder = ?", folder).Order("created_at DESC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("store: list tasks for %s: %w", folder, err)
	}
	return tasks, nil
}

// GetDueTasks returns active tasks whose next run is at or before now.
func (s *Store) GetDueTasks(now string) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	err := s.db.
		Where("status = ? AND next_run IS NOT NULL AND next_run <= ?", models.TaskActive, now).
		Order("next_run ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("store: due tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus sets a task's status.
func (s *Store) UpdateTaskStatus(id, status string) error {
	result := s.db.Model(&models.ScheduledTask{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("store: update task %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateTaskAfterRun records a run's outcome and moves the task to its next
// occurrence. A nil nextRun marks the task completed.
func (s *Store) UpdateTaskAfterRun(id string, nextRun *string, lastRun, lastResult string) error {
	updates := map[string]interface{}{
		"next_run":    nextRun,
		"last_run":    lastRun,
		"last_result": lastResult,
	}
	if nextRun == nil {
		updates["status"] = models.TaskCompleted
	}
	if err := s.db.Model(&models.ScheduledTask{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("store: update task %s after run: %w", id, err)
	}
	return nil
}

// DeleteTask removes a task and its run history.
func (s *Store) DeleteTask(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.TaskRunLog{}, "task_id = ?", id).Error; err != nil {
			return fmt.Errorf("store: delete run logs for %s: %w", id, err)
		}
		if err := tx.Delete(&models.ScheduledTask{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("store: delete task %s: %w", id, err)
		}
		return nil
	})
}

// LogTaskRun appends a run record.
func (s *Store) LogTaskRun(entry models.TaskRunLog) error {
	if err := s.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("store: log run for %s: %w", entry.TaskID, err)
	}
	return nil
}

// GetTaskRuns returns a task's run history, newest first.
func (s *Store) GetTaskRuns(taskID string, limit int) ([]models.TaskRunLog, error) {
	var runs []models.TaskRunLog
	q := s.db.Where("task_id = ?", taskID).Order("run_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("store: runs for %s: %w", taskID, err)
	}
	return runs, nil
}
